package watch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cryptostream/config"
	"cryptostream/internal/channel"
	"cryptostream/internal/connection"
	"cryptostream/internal/errs"
	"cryptostream/internal/metrics"
	"cryptostream/logger"
	"cryptostream/models"
)

// Supervisor owns the retry loop of one symbol's book stream. It calls Watch
// after every consumed update and decides how to react to rejections:
// remote clean closes reconnect immediately, other transport and desync
// errors reconnect with exponential backoff, and rate limit rejections or a
// user close end the stream.
type Supervisor struct {
	pool    *connection.Pool
	adapter Adapter
	symbol  string
	cost    float64
	cfg     config.SupervisorConfig
	out     *channel.Books
	log     *logger.Entry
}

// NewSupervisor creates a supervisor streaming symbol into out.
func NewSupervisor(pool *connection.Pool, adapter Adapter, symbol string, cost float64, cfg config.SupervisorConfig, out *channel.Books) *Supervisor {
	return &Supervisor{
		pool:    pool,
		adapter: adapter,
		symbol:  symbol,
		cost:    cost,
		cfg:     cfg,
		out:     out,
		log: logger.GetLogger().WithComponent("supervisor").WithFields(logger.Fields{
			"exchange": adapter.Exchange(),
			"symbol":   symbol,
		}),
	}
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.InitialInterval > 0 {
		bo.InitialInterval = s.cfg.InitialInterval
	}
	if s.cfg.MaxInterval > 0 {
		bo.MaxInterval = s.cfg.MaxInterval
	}
	if s.cfg.Multiplier > 0 {
		bo.Multiplier = s.cfg.Multiplier
	}
	if s.cfg.RandomizationFactor > 0 {
		bo.RandomizationFactor = s.cfg.RandomizationFactor
	}
	// zero keeps retrying forever
	bo.MaxElapsedTime = s.cfg.MaxElapsedTime
	bo.Reset()
	return bo
}

func (s *Supervisor) request(delay time.Duration) Request {
	hash, msg := s.adapter.BookSubscription(s.symbol)
	return Request{
		URL:              s.adapter.BookURL(s.symbol),
		MessageHash:      BookHash(s.symbol),
		Message:          msg,
		SubscriptionHash: hash,
		Cost:             s.cost,
		Backoff:          delay,
	}
}

// Run streams books until ctx is cancelled or a terminal error occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := s.newBackOff()
	var delay time.Duration
	updates := 0

	s.log.Info("supervisor started")
	for {
		v, err := Watch(ctx, s.pool, s.request(delay)).Await(ctx)
		if ctx.Err() != nil {
			s.log.WithFields(logger.Fields{"updates": updates}).Info("supervisor stopped")
			return ctx.Err()
		}
		if err == nil {
			delay = 0
			bo.Reset()
			updates++
			book, ok := v.(models.OrderBook)
			if !ok {
				continue
			}
			if s.out != nil && !s.out.Send(ctx, book) {
				metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricBookUpdate, s.adapter.Exchange(), s.symbol)
			}
			continue
		}

		switch {
		case errors.Is(err, errs.ErrRemoteClosed):
			delay = 0
			s.reconnected(err, delay)
		case !errs.Retryable(err):
			s.log.WithError(err).Error("stream stopped")
			return err
		default:
			next := bo.NextBackOff()
			if next == backoff.Stop {
				s.log.WithError(err).Error("retry budget exhausted")
				return err
			}
			delay = next
			if errs.IsDesync(err) {
				// The connection is usually still open, so Connect would not
				// apply the delay; wait here before resubscribing.
				s.log.WithError(err).WithFields(logger.Fields{"delay": delay.String()}).Warn("resubscribing for fresh snapshot")
				if serr := sleep(ctx, delay); serr != nil {
					s.log.WithFields(logger.Fields{"updates": updates}).Info("supervisor stopped")
					return serr
				}
				delay = 0
				continue
			}
			s.reconnected(err, delay)
		}
	}
}

func (s *Supervisor) reconnected(err error, delay time.Duration) {
	var cerr *errs.ConnectionError
	if !errors.As(err, &cerr) {
		s.log.WithError(err).WithFields(logger.Fields{"delay": delay.String()}).Warn("retrying stream")
		return
	}
	metrics.Reconnect(s.adapter.Exchange())
	logger.IncrementReconnect()
	entry := s.log.WithError(err).WithFields(logger.Fields{"delay": delay.String()})
	if errors.Is(err, errs.ErrRemoteClosed) {
		entry.Info("reconnecting")
		return
	}
	entry.Warn("reconnecting")
}
