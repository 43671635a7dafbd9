package catalog

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/mintflow/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog",
	fx.Provide(NewHolder),
	fx.Provide(func(h *Holder) Source { return h }),
)

// Holder keeps the latest valid catalog and swaps it on file change.
type Holder struct {
	current atomic.Value // holds Catalog
}

func NewHolder(cfg config.Config, log *zap.Logger) (*Holder, error) {
	log = log.Named("catalog")
	v := viper.New()

	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/mintflow")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MINTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
		log.Warn("catalog file not found, relying on environment")
	}

	compiled, err := decode(v)
	if err != nil {
		return nil, err
	}

	holder := &Holder{}
	holder.current.Store(compiled)
	log.Info("catalog loaded",
		zap.Int("pools", len(compiled.pools)),
		zap.Int("destinations", len(compiled.Destinations)),
	)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decode(v)
			if err != nil {
				log.Warn("catalog reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("catalog reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func decode(v *viper.Viper) (Catalog, error) {
	var raw Config
	if err := v.UnmarshalKey("catalog", &raw); err != nil {
		return Catalog{}, err
	}
	// Scalar keys may also come from MINTFLOW_CATALOG_* variables.
	if raw.Destinations == "" {
		raw.Destinations = v.GetString("catalog.destinations")
	}
	if raw.FallbackDestination == "" {
		raw.FallbackDestination = v.GetString("catalog.fallbackDestination")
	}
	if raw.Currency == "" {
		raw.Currency = v.GetString("catalog.currency")
	}
	return Compile(raw)
}

func (h *Holder) Current() Catalog {
	return h.current.Load().(Catalog)
}
