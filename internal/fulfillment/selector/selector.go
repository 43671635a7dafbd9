// Package selector picks one entry from a weighted pool.
package selector

import (
	"errors"
	"math/rand"

	"github.com/smallbiznis/mintflow/internal/catalog"
)

var ErrEmptyPool = errors.New("empty_pool")

// Weighted picks an entry with probability proportional to its weight. When
// every weight is zero the pick is uniform. rng must not be shared across
// goroutines without external locking.
func Weighted(entries []catalog.PoolEntry, rng *rand.Rand) (catalog.PoolEntry, error) {
	if len(entries) == 0 {
		return catalog.PoolEntry{}, ErrEmptyPool
	}

	var total float64
	for _, entry := range entries {
		if entry.Weight > 0 {
			total += entry.Weight
		}
	}
	if total <= 0 {
		return entries[rng.Intn(len(entries))], nil
	}

	target := rng.Float64() * total
	for _, entry := range entries {
		if entry.Weight <= 0 {
			continue
		}
		if target < entry.Weight {
			return entry, nil
		}
		target -= entry.Weight
	}

	// float rounding can leave target just past the final bucket
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Weight > 0 {
			return entries[i], nil
		}
	}
	return entries[len(entries)-1], nil
}
