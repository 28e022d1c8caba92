// Package rest is the throttled HTTP path used for order book snapshots.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cryptostream/internal/errs"
	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/throttle"
	"cryptostream/logger"
)

// Options configure a Client.
type Options struct {
	Exchange     string
	BaseURL      string
	UserAgent    string
	LocalIP      string
	Timeout      time.Duration
	MaxIdleConns int
}

// Client issues GET requests after admitting them through the exchange
// throttler, the same one the websocket subscribe path uses.
type Client struct {
	exchange  string
	baseURL   string
	localIP   string
	http      *http.Client
	throttler throttle.Throttler
	log       *logger.Entry
}

// New builds a client. Outbound connections bind to opts.LocalIP when set.
func New(opts Options, th throttle.Throttler) *Client {
	return &Client{
		exchange:  opts.Exchange,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		localIP:   opts.LocalIP,
		http:      &http.Client{Transport: newTransport(opts), Timeout: opts.Timeout},
		throttler: th,
		log:       logger.GetLogger().WithComponent("rest").WithFields(logger.Fields{"exchange": opts.Exchange}),
	}
}

// Get admits cost units, requests path with query and decodes the JSON body
// into out. Exchange rate limit rejections are returned as RateLimitExceeded.
func (c *Client) Get(ctx context.Context, path string, query url.Values, cost float64, out interface{}) error {
	if err := c.throttler.Admit(ctx, cost); err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(c.log, "rest", "api_request", time.Since(start), logger.Fields{"path": path, "status": resp.StatusCode})
	rate.ReportUsedWeight(logger.GetLogger(), c.exchange, resp.Header, c.localIP)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var err error
	switch status {
	case http.StatusTooManyRequests:
		err = &errs.RateLimitExceeded{Exchange: c.exchange, Message: msg}
	case http.StatusTeapot:
		// Binance answers 418 once an IP is banned.
		err = &errs.RateLimitExceeded{Exchange: c.exchange, Message: msg, IPBan: true}
	default:
		err = rate.Classify(c.exchange, msg)
	}
	if err != nil {
		rate.Report(logger.GetLogger(), err, "", c.localIP)
		return err
	}
	return fmt.Errorf("%s: http status %d: %s", c.exchange, status, msg)
}
