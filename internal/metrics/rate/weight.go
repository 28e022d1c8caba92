package rate

import (
	"net/http"
	"strconv"
	"strings"

	"cryptostream/logger"
)

// UsedWeight extracts the request weight an exchange reports as consumed in
// the current window from REST response headers. Zero means unknown.
func UsedWeight(exchange string, header http.Header) int64 {
	switch strings.ToLower(exchange) {
	case "binance":
		return firstInt(header.Get("X-MBX-USED-WEIGHT-1m"))
	case "bybit":
		// Bybit has used both X-Bapi-* and X-RateLimit-* over time.
		limit := firstInt(headerAny(header, "X-Bapi-Limit", "X-RateLimit-Limit"))
		remaining := firstInt(headerAny(header, "X-Bapi-Limit-Status", "X-RateLimit-Remaining"))
		return nonNegative(limit - remaining)
	case "kucoin":
		limit := firstInt(header.Get("gw-ratelimit-limit"))
		remaining := firstInt(header.Get("gw-ratelimit-remaining"))
		if limit == 0 {
			return 0
		}
		return nonNegative(limit - remaining)
	case "okx":
		return okxUsedWeight(header)
	default:
		return firstInt(headerAny(header, "X-RateLimit-Used", "Rate-Limit-Used"))
	}
}

// ReportUsedWeight emits the used weight of a REST response as a gauge.
func ReportUsedWeight(log *logger.Log, exchange string, header http.Header, ip string) int64 {
	used := UsedWeight(exchange, header)
	component := strings.ToLower(exchange) + "_rest"
	fields := logger.Fields{"ip": ip, "exchange": strings.ToLower(exchange)}
	log.WithComponent(component).LogMetric(component, "used_weight", used, "gauge", fields)
	return used
}

// okxUsedWeight takes the highest usage across windows. Each header may list
// several comma separated entries tagged with a window.
func okxUsedWeight(header http.Header) int64 {
	limits := windowValues(header, "Rate-Limit-Limit", "X-RateLimit-Limit")
	remaining := windowValues(header, "Rate-Limit-Remaining", "X-RateLimit-Remaining")
	used := windowValues(header, "Rate-Limit-Used", "X-RateLimit-Used")

	best := int64(0)
	for _, v := range used {
		if v > best {
			best = v
		}
	}
	for window, limit := range limits {
		if rem, ok := remaining[window]; ok && limit > 0 {
			if diff := nonNegative(limit - rem); diff > best {
				best = diff
			}
		}
	}
	return best
}

func windowValues(header http.Header, names ...string) map[string]int64 {
	out := make(map[string]int64)
	for _, name := range names {
		for _, raw := range header.Values(name) {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				n, ok := leadingInt(part)
				if !ok {
					continue
				}
				window := extractWindow(part)
				if cur, seen := out[window]; !seen || n > cur {
					out[window] = n
				}
			}
		}
	}
	return out
}

func extractWindow(s string) string {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"window=", "w="} {
		if idx := strings.Index(lower, prefix); idx != -1 {
			end := strings.IndexAny(lower[idx:], "; ,")
			if end == -1 {
				return lower[idx:]
			}
			return lower[idx : idx+end]
		}
	}
	return ""
}

func headerAny(header http.Header, names ...string) string {
	for _, name := range names {
		if v := header.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(s string) int64 {
	n, _ := leadingInt(s)
	return n
}

// leadingInt parses the first run of digits in a header value such as
// "1200", "1200;w=60" or "weight 35".
func leadingInt(s string) (int64, bool) {
	isDigit := func(r rune) bool { return r >= '0' && r <= '9' }
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return 0, false
	}
	end := strings.IndexFunc(s[start:], func(r rune) bool { return !isDigit(r) })
	if end < 0 {
		end = len(s) - start
	}
	n, err := strconv.ParseInt(s[start:start+end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
