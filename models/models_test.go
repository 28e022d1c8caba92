package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseLevelsKeepsRawText(t *testing.T) {
	levels, err := ParseLevels([][]string{{"8476.98", "0.0100", "0", "2"}, {"8476.5", "1"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if levels[0].SizeString() != "0.0100" || !levels[0].Size.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected first level: %+v", levels[0])
	}
	if _, err := ParseLevels([][]string{{"1"}}); err == nil {
		t.Fatal("expected error for short tuple")
	}
	if _, err := ParseLevels([][]string{{"x", "1"}}); err == nil {
		t.Fatal("expected error for bad price")
	}
}

func TestOrderBookTopAndSpread(t *testing.T) {
	book := OrderBook{
		Bids: []Level{lv(100, 1), lv(99, 2), lv(98, 3)},
		Asks: []Level{lv(101, 1), lv(102, 2)},
	}
	if s := book.Spread(); !s.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("spread = %s", s)
	}
	top := book.Top(2)
	if len(top.Bids) != 2 || len(top.Asks) != 2 || len(book.Bids) != 3 {
		t.Fatalf("unexpected top: %+v", top)
	}
	if (OrderBook{}).Spread().Sign() != 0 {
		t.Fatal("empty book spread should be zero")
	}
	if lv(1.5, 0).PriceString() != "1.5" {
		t.Fatalf("decimal fallback formatting: %s", lv(1.5, 0).PriceString())
	}
}

func lv(price, size float64) Level {
	return Level{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}
