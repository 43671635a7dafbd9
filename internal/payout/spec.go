package payout

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseSpec parses the textual destination form "addr:weight,addr:weight".
// A destination without a weight counts as weight 1.
func ParseSpec(raw string) ([]Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: destinations are required", ErrConfiguration)
	}

	parts := strings.Split(raw, ",")
	out := make([]Destination, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		address, weightRaw, hasWeight := strings.Cut(part, ":")
		address = strings.TrimSpace(address)
		if address == "" {
			return nil, fmt.Errorf("%w: empty destination in %q", ErrConfiguration, part)
		}

		weight := decimal.NewFromInt(1)
		if hasWeight {
			parsed, err := decimal.NewFromString(strings.TrimSpace(weightRaw))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid weight for %s", ErrConfiguration, address)
			}
			if parsed.IsNegative() {
				return nil, fmt.Errorf("%w: negative weight for %s", ErrConfiguration, address)
			}
			weight = parsed
		}
		out = append(out, Destination{Address: address, Weight: weight})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: destinations are required", ErrConfiguration)
	}
	return out, nil
}
