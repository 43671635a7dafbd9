package selector

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/smallbiznis/mintflow/internal/catalog"
)

func TestWeightedRespectsWeights(t *testing.T) {
	entries := []catalog.PoolEntry{
		{Name: "common", Weight: 90},
		{Name: "never", Weight: 0},
		{Name: "rare", Weight: 10},
	}
	rng := rand.New(rand.NewSource(7))

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		entry, err := Weighted(entries, rng)
		if err != nil {
			t.Fatalf("weighted: %v", err)
		}
		counts[entry.Name]++
	}
	if counts["never"] != 0 {
		t.Fatalf("zero-weight entry selected %d times", counts["never"])
	}
	if counts["common"] < 8500 || counts["common"] > 9500 {
		t.Fatalf("common selected %d times, expected about 9000", counts["common"])
	}
}

func TestWeightedUniformWhenAllZero(t *testing.T) {
	entries := []catalog.PoolEntry{{Name: "a"}, {Name: "b"}}
	rng := rand.New(rand.NewSource(1))

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		entry, err := Weighted(entries, rng)
		if err != nil {
			t.Fatalf("weighted: %v", err)
		}
		counts[entry.Name]++
	}
	if counts["a"] == 0 || counts["b"] == 0 {
		t.Fatalf("expected both entries, got %v", counts)
	}
}

func TestWeightedDeterministicForSeed(t *testing.T) {
	entries := []catalog.PoolEntry{{Name: "a", Weight: 1}, {Name: "b", Weight: 1}, {Name: "c", Weight: 1}}
	first, _ := Weighted(entries, rand.New(rand.NewSource(99)))
	second, _ := Weighted(entries, rand.New(rand.NewSource(99)))
	if first.Name != second.Name {
		t.Fatalf("same seed picked %s and %s", first.Name, second.Name)
	}
}

func TestWeightedEmptyPool(t *testing.T) {
	if _, err := Weighted(nil, rand.New(rand.NewSource(1))); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}
