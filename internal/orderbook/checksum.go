package orderbook

import (
	"fmt"
	"hash/crc32"
	"strings"

	"cryptostream/models"
)

// Checksummer computes an exchange checksum over the current top of book.
type Checksummer interface {
	Checksum(bids, asks []models.Level) int64
}

const (
	ChecksumNone        = "none"
	ChecksumInterleaved = "crc32_interleaved"
	ChecksumSequential  = "crc32_sequential"
)

// NewChecksummer returns the algorithm registered under name. An empty name or
// "none" disables verification and returns nil.
func NewChecksummer(name string, depth int) (Checksummer, error) {
	switch name {
	case "", ChecksumNone:
		return nil, nil
	case ChecksumInterleaved:
		if depth <= 0 {
			depth = 25
		}
		return CRC32Interleaved{Depth: depth, Separator: ":"}, nil
	case ChecksumSequential:
		if depth <= 0 {
			depth = 10
		}
		return CRC32Sequential{Depth: depth}, nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm %q", name)
	}
}

// CRC32Interleaved alternates bid and ask price:size pairs of the top Depth
// levels, joins them with Separator and returns the signed IEEE CRC32.
type CRC32Interleaved struct {
	Depth     int
	Separator string
}

func (c CRC32Interleaved) Checksum(bids, asks []models.Level) int64 {
	parts := make([]string, 0, 4*c.Depth)
	for i := 0; i < c.Depth; i++ {
		if i < len(bids) {
			parts = append(parts, bids[i].PriceString(), bids[i].SizeString())
		}
		if i < len(asks) {
			parts = append(parts, asks[i].PriceString(), asks[i].SizeString())
		}
	}
	sum := crc32.ChecksumIEEE([]byte(strings.Join(parts, c.Separator)))
	return int64(int32(sum))
}

// CRC32Sequential concatenates the top Depth asks then bids, each price and
// size stripped of the decimal point and leading zeros, and returns the
// unsigned IEEE CRC32.
type CRC32Sequential struct {
	Depth int
}

func (c CRC32Sequential) Checksum(bids, asks []models.Level) int64 {
	var b strings.Builder
	write := func(levels []models.Level) {
		for i := 0; i < c.Depth && i < len(levels); i++ {
			b.WriteString(compact(levels[i].PriceString()))
			b.WriteString(compact(levels[i].SizeString()))
		}
	}
	write(asks)
	write(bids)
	return int64(crc32.ChecksumIEEE([]byte(b.String())))
}

func compact(v string) string {
	v = strings.TrimLeft(strings.Replace(v, ".", "", 1), "0")
	if v == "" {
		return "0"
	}
	return v
}
