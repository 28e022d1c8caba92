// Package throttle paces outbound requests against exchange rate limits.
//
// Two algorithms are provided: a leaky bucket draining at a constant rate and
// a rolling window bounding the cost granted within the trailing window. Both
// admit callers in strict arrival order and drop cancelled waiters without
// disturbing the queue.
package throttle

import (
	"context"
	"errors"
	"time"

	"cryptostream/config"
	"cryptostream/internal/errs"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
)

// Throttler admits a request of the given cost once it is safe to proceed.
type Throttler interface {
	Admit(ctx context.Context, cost float64) error
}

// Factory builds a throttler per connection.
type Factory func() Throttler

// New builds the throttler selected by cfg. A zero rolling window selects the
// leaky bucket. Non-positive costs are charged the default cost and waits
// longer than admit_timeout fail with a TimeoutError.
func New(exchange string, cfg config.ThrottleConfig) Throttler {
	var inner Throttler
	if cfg.RollingWindowSize > 0 {
		inner = NewRollingWindow(cfg.Capacity, time.Duration(cfg.RollingWindowSize)*time.Millisecond, cfg.MaxCapacity)
	} else {
		inner = NewLeakyBucket(cfg.RateLimit, cfg.Capacity, cfg.MaxCapacity)
	}
	cost := cfg.DefaultCost
	if cost <= 0 {
		cost = 1
	}
	return &admission{
		exchange:    exchange,
		inner:       inner,
		defaultCost: cost,
		timeout:     cfg.AdmitTimeout,
	}
}

// NewFactory returns a Factory producing independent throttlers from cfg.
func NewFactory(exchange string, cfg config.ThrottleConfig) Factory {
	return func() Throttler { return New(exchange, cfg) }
}

type admission struct {
	exchange    string
	inner       Throttler
	defaultCost float64
	timeout     time.Duration
}

func (a *admission) Admit(ctx context.Context, cost float64) error {
	if cost <= 0 {
		cost = a.defaultCost
	}
	waitCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	err := a.inner.Admit(waitCtx, cost)
	waited := time.Since(start)
	metrics.ObserveThrottleWait(a.exchange, waited)
	logger.RecordThrottleWait(waited)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &errs.TimeoutError{Op: "admit", After: a.timeout}
	}
	return err
}
