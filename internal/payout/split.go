// Package payout turns a weighted destination list into exact-sum allocations.
package payout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every allocation is rounded to.
const Scale = 8

var ErrConfiguration = errors.New("payout_configuration_error")

type Destination struct {
	Address string          `json:"address"`
	Weight  decimal.Decimal `json:"weight"`
}

type Allocation struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

// Split distributes total across destinations proportionally to their weights.
// Every allocation but the last is rounded to Scale places; the last one takes
// the remainder so the allocations always sum to total exactly. Zero amounts
// are dropped. When nothing positive remains, the whole total goes to
// fallback, or ErrConfiguration is returned if fallback is empty.
func Split(total decimal.Decimal, destinations []Destination, fallback string) ([]Allocation, error) {
	if total.IsNegative() {
		return nil, fmt.Errorf("%w: negative total %s", ErrConfiguration, total.String())
	}

	usable := make([]Destination, 0, len(destinations))
	totalWeight := decimal.Zero
	for _, dest := range destinations {
		address := strings.TrimSpace(dest.Address)
		if address == "" || !dest.Weight.IsPositive() {
			continue
		}
		usable = append(usable, Destination{Address: address, Weight: dest.Weight})
		totalWeight = totalWeight.Add(dest.Weight)
	}

	var allocations []Allocation
	if len(usable) > 0 && total.IsPositive() {
		allocations = allocate(total, usable, totalWeight)
	}

	out := make([]Allocation, 0, len(allocations))
	for _, alloc := range allocations {
		if alloc.Amount.IsPositive() {
			out = append(out, alloc)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		return nil, fmt.Errorf("%w: no destination resolves to a positive amount", ErrConfiguration)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: total must be positive", ErrConfiguration)
	}
	return []Allocation{{Address: fallback, Amount: total}}, nil
}

func allocate(total decimal.Decimal, dests []Destination, totalWeight decimal.Decimal) []Allocation {
	allocations := make([]Allocation, len(dests))
	allocated := decimal.Zero
	last := len(dests) - 1
	for i, dest := range dests[:last] {
		amount := total.Mul(dest.Weight).DivRound(totalWeight, Scale)
		allocations[i] = Allocation{Address: dest.Address, Amount: amount}
		allocated = allocated.Add(amount)
	}

	remainder := total.Sub(allocated)
	allocations[last] = Allocation{Address: dests[last].Address, Amount: remainder}

	// Half-up rounding of many small shares can overshoot the total. Pull the
	// deficit back from the largest shares, each down to at most zero.
	if remainder.IsNegative() {
		allocations[last].Amount = decimal.Zero
		deficit := remainder.Neg()

		order := make([]int, last)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return allocations[order[a]].Amount.GreaterThan(allocations[order[b]].Amount)
		})

		for _, idx := range order {
			if !deficit.IsPositive() {
				break
			}
			take := decimal.Min(deficit, allocations[idx].Amount)
			if !take.IsPositive() {
				continue
			}
			allocations[idx].Amount = allocations[idx].Amount.Sub(take)
			deficit = deficit.Sub(take)
		}
	}
	return allocations
}

// Sum adds up allocation amounts.
func Sum(allocations []Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, alloc := range allocations {
		sum = sum.Add(alloc.Amount)
	}
	return sum
}
