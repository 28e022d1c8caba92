package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptostream/internal/connection"
	"cryptostream/internal/errs"
	"cryptostream/internal/orderbook"
	"cryptostream/logger"
)

// LoadOrderBook fetches REST snapshots for symbol until one connects to the
// deltas cached by the engine, then resolves the symbol's future with the
// synced book. Each attempt waits opts.Delay first so the cache can fill. It
// gives up after opts.MaxRetries attempts and returns a DesyncError.
func LoadOrderBook(ctx context.Context, c *connection.Connection, engine *orderbook.Engine, snap Snapshotter, symbol string, opts SnapshotOptions) error {
	log := logger.GetLogger().WithComponent("snapshot").WithFields(logger.Fields{"exchange": engine.Exchange(), "symbol": symbol})
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := sleep(ctx, opts.Delay); err != nil {
			return err
		}
		start := time.Now()
		s, err := snap.FetchSnapshot(ctx, symbol, opts.Depth)
		if err != nil {
			if errs.IsRateLimit(err) || ctx.Err() != nil {
				return err
			}
			lastErr = err
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("snapshot fetch failed")
			continue
		}
		logger.LogPerformanceEntry(log, "snapshot", "fetch", time.Since(start), logger.Fields{"attempt": attempt})

		book, err := engine.ApplySnapshot(s)
		if err == nil {
			c.Resolve(BookHash(symbol), book)
			log.WithFields(logger.Fields{"nonce": book.Nonce, "attempt": attempt}).Info("order book synchronised")
			return nil
		}
		if !errors.Is(err, errs.ErrNonceGap) || engine.Status(symbol) != orderbook.Uninitialized {
			return err
		}
		lastErr = err
		first, last, _ := engine.CachedRange(symbol)
		log.WithFields(logger.Fields{"attempt": attempt, "snapshot_nonce": s.Nonce, "cache_first": first, "cache_last": last}).Debug("snapshot older than cached deltas")
	}
	if errs.IsDesync(lastErr) {
		return lastErr
	}
	return &errs.DesyncError{Exchange: engine.Exchange(), Symbol: symbol, Err: fmt.Errorf("snapshot sync failed after %d attempts: %w", retries, lastErr)}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
