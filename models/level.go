package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseLevels converts exchange [price, size, ...] string tuples into levels,
// keeping the original text for checksums.
func ParseLevels(raw [][]string) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("price level %v: expected price and size", entry)
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", entry[0], err)
		}
		size, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", entry[1], err)
		}
		levels = append(levels, Level{Price: price, Size: size, RawPrice: entry[0], RawSize: entry[1]})
	}
	return levels, nil
}
