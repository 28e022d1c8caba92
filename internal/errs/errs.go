// Package errs defines the error taxonomy shared by the streaming core.
//
// Transport failures surface as ConnectionError, order book integrity failures
// as DesyncError, expired waits as TimeoutError and exchange-side throttling
// as RateLimitExceeded. All of them wrap their cause so callers can use
// errors.Is and errors.As against the sentinels below.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosedByUser    = errors.New("connection closed by user")
	ErrRemoteClosed    = errors.New("connection closed by remote server")
	ErrStaleConnection = errors.New("connection stale (no inbound traffic)")
	ErrNotConnected    = errors.New("not connected")
	ErrQueueFull       = errors.New("throttle queue is over max capacity")
	ErrNotSynced       = errors.New("order book is not synced")
	ErrChecksum        = errors.New("order book checksum mismatch")
	ErrNonceGap        = errors.New("order book nonce gap")
	ErrTimeout         = errors.New("operation timeout")
)

// ConnectionError is a transport-level failure on one connection.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DesyncError reports that a book lost its consistency guarantee and needs a
// fresh snapshot.
type DesyncError struct {
	Exchange string
	Symbol   string
	Expected int64
	Got      int64
	Err      error
}

func (e *DesyncError) Error() string {
	if errors.Is(e.Err, ErrChecksum) {
		return fmt.Sprintf("%s %s: %v (expected %d, got %d)", e.Exchange, e.Symbol, e.Err, e.Expected, e.Got)
	}
	return fmt.Sprintf("%s %s: %v (book nonce %d, delta nonce %d)", e.Exchange, e.Symbol, e.Err, e.Expected, e.Got)
}

func (e *DesyncError) Unwrap() error { return e.Err }

// TimeoutError is returned when an admission or connect wait expires.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After <= 0 {
		return e.Op + " timed out"
	}
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RateLimitExceeded is an exchange rejecting a request despite local throttling.
type RateLimitExceeded struct {
	Exchange string
	Message  string
	IPBan    bool
}

func (e *RateLimitExceeded) Error() string {
	if e.IPBan {
		return fmt.Sprintf("%s: ip banned: %s", e.Exchange, e.Message)
	}
	return fmt.Sprintf("%s: rate limit exceeded: %s", e.Exchange, e.Message)
}

// IsDesync reports whether err carries a DesyncError.
func IsDesync(err error) bool {
	var d *DesyncError
	return errors.As(err, &d)
}

// IsRateLimit reports whether err carries a RateLimitExceeded.
func IsRateLimit(err error) bool {
	var r *RateLimitExceeded
	return errors.As(err, &r)
}

// Retryable reports whether a supervisor should back off and retry after err.
// Remote clean closes are retried without backoff by the caller; rate limit
// rejections and user closes are terminal.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrClosedByUser), IsRateLimit(err):
		return false
	default:
		return true
	}
}
