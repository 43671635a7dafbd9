// Package catalog holds the storefront configuration the reconciliation core
// reads at runtime: payout destinations, weighted item pools and prices.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mintflow/internal/payout"
)

// Config is the on-disk shape of the catalog, decoded by viper.
type Config struct {
	Currency            string       `mapstructure:"currency"`
	Destinations        string       `mapstructure:"destinations"`
	FallbackDestination string       `mapstructure:"fallbackDestination"`
	Pools               []PoolConfig `mapstructure:"pools"`
}

type PoolConfig struct {
	Ref          string        `mapstructure:"ref"`
	Name         string        `mapstructure:"name"`
	UnitPrice    string        `mapstructure:"unitPrice"`
	Currency     string        `mapstructure:"currency"`
	Supply       int           `mapstructure:"supply"`
	Destinations string        `mapstructure:"destinations"`
	Entries      []EntryConfig `mapstructure:"entries"`
}

type EntryConfig struct {
	Name        string  `mapstructure:"name"`
	Rarity      string  `mapstructure:"rarity"`
	Weight      float64 `mapstructure:"weight"`
	TemplateRef string  `mapstructure:"templateRef"`
	Image       string  `mapstructure:"image"`
	Animation   string  `mapstructure:"animation"`
}

// Catalog is a validated, immutable snapshot of Config.
type Catalog struct {
	Currency            string
	Destinations        []payout.Destination
	FallbackDestination string
	pools               map[string]Pool
}

type Pool struct {
	Ref          string
	Name         string
	UnitPrice    decimal.Decimal
	Currency     string
	Supply       int
	Destinations []payout.Destination
	Entries      []PoolEntry
}

// PoolEntry is one candidate item of a weighted pool.
type PoolEntry struct {
	Name        string  `json:"name"`
	Rarity      string  `json:"rarity"`
	Weight      float64 `json:"weight"`
	TemplateRef string  `json:"template_ref"`
	Image       string  `json:"image"`
	Animation   string  `json:"animation"`
}

// Source yields the current catalog snapshot.
type Source interface {
	Current() Catalog
}

type static struct {
	catalog Catalog
}

// Static wraps a fixed catalog as a Source.
func Static(c Catalog) Source {
	return static{catalog: c}
}

func (s static) Current() Catalog {
	return s.catalog
}

func (c Catalog) Pool(ref string) (Pool, bool) {
	pool, ok := c.pools[strings.TrimSpace(ref)]
	return pool, ok
}

func (c Catalog) PoolRefs() []string {
	refs := make([]string, 0, len(c.pools))
	for ref := range c.pools {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// DestinationsFor returns the pool override or the catalog-wide destinations.
func (c Catalog) DestinationsFor(pool Pool) []payout.Destination {
	if len(pool.Destinations) > 0 {
		return pool.Destinations
	}
	return c.Destinations
}

// Compile validates cfg and builds a Catalog. Missing destinations fail with
// payout.ErrConfiguration.
func Compile(cfg Config) (Catalog, error) {
	destinations, err := payout.ParseSpec(cfg.Destinations)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog.destinations: %w", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		return Catalog{}, fmt.Errorf("%w: catalog.currency is required", payout.ErrConfiguration)
	}
	if len(cfg.Pools) == 0 {
		return Catalog{}, fmt.Errorf("%w: catalog.pools cannot be empty", payout.ErrConfiguration)
	}

	out := Catalog{
		Currency:            currency,
		Destinations:        destinations,
		FallbackDestination: strings.TrimSpace(cfg.FallbackDestination),
		pools:               make(map[string]Pool, len(cfg.Pools)),
	}

	for i, raw := range cfg.Pools {
		pool, err := compilePool(raw, currency)
		if err != nil {
			return Catalog{}, fmt.Errorf("catalog.pools[%d]: %w", i, err)
		}
		if _, exists := out.pools[pool.Ref]; exists {
			return Catalog{}, fmt.Errorf("%w: duplicate pool ref %q", payout.ErrConfiguration, pool.Ref)
		}
		out.pools[pool.Ref] = pool
	}
	return out, nil
}

func compilePool(raw PoolConfig, currency string) (Pool, error) {
	ref := strings.TrimSpace(raw.Ref)
	if ref == "" {
		return Pool{}, fmt.Errorf("%w: ref is required", payout.ErrConfiguration)
	}

	price, err := decimal.NewFromString(strings.TrimSpace(raw.UnitPrice))
	if err != nil || !price.IsPositive() {
		return Pool{}, fmt.Errorf("%w: pool %s needs a positive unitPrice", payout.ErrConfiguration, ref)
	}
	if price.Exponent() < -payout.Scale {
		return Pool{}, fmt.Errorf("%w: pool %s unitPrice exceeds %d decimals", payout.ErrConfiguration, ref, payout.Scale)
	}

	pool := Pool{
		Ref:       ref,
		Name:      strings.TrimSpace(raw.Name),
		UnitPrice: price,
		Currency:  currency,
		Supply:    raw.Supply,
	}
	if override := strings.ToUpper(strings.TrimSpace(raw.Currency)); override != "" {
		pool.Currency = override
	}
	if strings.TrimSpace(raw.Destinations) != "" {
		pool.Destinations, err = payout.ParseSpec(raw.Destinations)
		if err != nil {
			return Pool{}, err
		}
	}

	if len(raw.Entries) == 0 {
		return Pool{}, fmt.Errorf("%w: pool %s has no entries", payout.ErrConfiguration, ref)
	}
	for _, entry := range raw.Entries {
		if strings.TrimSpace(entry.TemplateRef) == "" {
			return Pool{}, fmt.Errorf("%w: pool %s entry %q needs a templateRef", payout.ErrConfiguration, ref, entry.Name)
		}
		if entry.Weight < 0 {
			return Pool{}, fmt.Errorf("%w: pool %s entry %q has a negative weight", payout.ErrConfiguration, ref, entry.Name)
		}
		pool.Entries = append(pool.Entries, PoolEntry{
			Name:        strings.TrimSpace(entry.Name),
			Rarity:      strings.TrimSpace(entry.Rarity),
			Weight:      entry.Weight,
			TemplateRef: strings.TrimSpace(entry.TemplateRef),
			Image:       strings.TrimSpace(entry.Image),
			Animation:   strings.TrimSpace(entry.Animation),
		})
	}
	return pool, nil
}

// MustCompile is Compile for fixtures; it panics on invalid configuration.
func MustCompile(cfg Config) Catalog {
	c, err := Compile(cfg)
	if err != nil {
		panic(err)
	}
	return c
}
