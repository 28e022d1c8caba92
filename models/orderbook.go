package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is one price level. Raw holds the exchange's own text for price and
// size when known, which checksums must hash verbatim.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	RawPrice string          `json:"-"`
	RawSize  string          `json:"-"`
}

// PriceString returns the exchange text of the price, or its decimal form.
func (l Level) PriceString() string {
	if l.RawPrice != "" {
		return l.RawPrice
	}
	return l.Price.String()
}

// SizeString returns the exchange text of the size, or its decimal form.
func (l Level) SizeString() string {
	if l.RawSize != "" {
		return l.RawSize
	}
	return l.Size.String()
}

// Snapshot replaces a book wholesale.
type Snapshot struct {
	Exchange    string
	Symbol      string
	Bids        []Level
	Asks        []Level
	Nonce       int64
	Timestamp   time.Time
	Checksum    int64
	HasChecksum bool
}

// Delta carries level updates for one book. A zero size deletes the level.
// Nonce is the sequence id after the update and zero when the exchange sends
// none. FirstNonce is the first id covered by a batched update and PrevNonce
// the id the update builds on; -1 for PrevNonce skips the check.
type Delta struct {
	Exchange    string
	Symbol      string
	Bids        []Level
	Asks        []Level
	Nonce       int64
	FirstNonce  int64
	PrevNonce   int64
	Timestamp   time.Time
	Checksum    int64
	HasChecksum bool
}

// OrderBook is an immutable copy of a book handed to readers.
type OrderBook struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Nonce     int64     `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
}

// BestBid returns the highest bid.
func (b OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask.
func (b OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Spread returns best ask minus best bid, zero when a side is empty.
func (b OrderBook) Spread() decimal.Decimal {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	if !okb || !oka {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// Top returns a copy limited to depth levels per side.
func (b OrderBook) Top(depth int) OrderBook {
	out := b
	if depth > 0 && len(out.Bids) > depth {
		out.Bids = out.Bids[:depth]
	}
	if depth > 0 && len(out.Asks) > depth {
		out.Asks = out.Asks[:depth]
	}
	return out
}
