// Package rate recognises exchange-side rate limiting in error text and
// response headers and reports it.
package rate

import (
	"errors"
	"strings"

	"cryptostream/internal/errs"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
)

// detectLimit inspects the message returned from an exchange and determines whether
// it signals a rate limit exceed or an IP ban. The wording differs per exchange.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// Classify returns a RateLimitExceeded when msg is the exchange refusing a
// request for rate reasons, and nil otherwise.
func Classify(exchange, msg string) error {
	rateLimit, ipBan := detectLimit(exchange, msg)
	if !rateLimit && !ipBan {
		return nil
	}
	return &errs.RateLimitExceeded{Exchange: strings.ToLower(exchange), Message: msg, IPBan: ipBan}
}

// Report records a rate limit rejection in Prometheus and CloudWatch and logs
// it. Errors that do not carry a RateLimitExceeded are ignored.
func Report(log *logger.Log, err error, symbol, ip string) {
	var rl *errs.RateLimitExceeded
	if !errors.As(err, &rl) {
		return
	}
	metrics.RateLimited(rl.Exchange, rl.IPBan)
	component := rl.Exchange + "_rate"
	fields := logger.Fields{
		"exchange": rl.Exchange,
		"symbol":   symbol,
		"ip":       ip,
	}
	l := log.WithComponent(component).WithFields(fields)
	if rl.IPBan {
		l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
		l.Error("ip banned")
		return
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.Warn("rate limit exceeded")
}

// ReportLimitFromMessage classifies msg and reports it when it is a rate
// limit rejection. The classified error is returned for the caller to surface.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, ip, msg string) error {
	err := Classify(exchange, msg)
	if err != nil {
		Report(log, err, symbol, ip)
	}
	return err
}
