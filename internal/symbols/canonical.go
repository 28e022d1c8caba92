// Package symbols maps exchange instrument names onto one canonical form so
// books of the same pair can be joined across exchanges.
package symbols

import "strings"

// multiplierAliases lists contracts quoted per 1000 units.
var multiplierAliases = map[string]string{
	"1000BONKUSDT": "BONKUSDT",
	"1000PEPEUSDT": "PEPEUSDT",
	"1000SHIBUSDT": "SHIBUSDT",
	"SHIB1000USDT": "SHIBUSDT",
}

// Canonical returns sym uppercased without separators or contract suffixes,
// e.g. okx BTC-USDT-SWAP and binance BTCUSDT both become BTCUSDT.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
	case "kucoin":
		sym = strings.TrimSuffix(sym, "M")
	}
	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	if alias, ok := multiplierAliases[sym]; ok {
		return alias
	}
	return sym
}
