package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"cryptostream/config"
	"cryptostream/internal/connection"
	"cryptostream/internal/errs"
	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/orderbook"
	"cryptostream/logger"
)

// SnapshotOptions controls REST snapshot synchronisation.
type SnapshotOptions struct {
	Depth      int
	MaxRetries int
	Delay      time.Duration
}

// SnapshotOptionsFrom reads the snapshot settings of an orderbook section.
func SnapshotOptionsFrom(cfg config.OrderBookConfig) SnapshotOptions {
	return SnapshotOptions{Depth: cfg.Depth, MaxRetries: cfg.SnapshotMaxRetries, Delay: cfg.SnapshotDelay}
}

// Router is the connection handler for book streams. It parses frames with
// the adapter, feeds the engine from the connection's dispatch goroutine and
// resolves or rejects the per symbol futures.
type Router struct {
	adapter  Adapter
	engine   *orderbook.Engine
	snapshot SnapshotOptions
	log      *logger.Entry

	mu      sync.Mutex
	loading map[string]bool
	routed  map[*connection.Connection]map[string]struct{}
}

func NewRouter(adapter Adapter, engine *orderbook.Engine, snapshot SnapshotOptions) *Router {
	return &Router{
		adapter:  adapter,
		engine:   engine,
		snapshot: snapshot,
		log:      logger.GetLogger().WithComponent("router").WithFields(logger.Fields{"exchange": adapter.Exchange()}),
		loading:  make(map[string]bool),
		routed:   make(map[*connection.Connection]map[string]struct{}),
	}
}

// Engine returns the engine fed by the router.
func (r *Router) Engine() *orderbook.Engine { return r.engine }

// Handle implements connection.Handler. Frames read after c was torn down
// are dropped so they cannot feed books already reset by Closed.
func (r *Router) Handle(c *connection.Connection, frame []byte) {
	select {
	case <-c.Done():
		return
	default:
	}
	events, err := r.adapter.Parse(frame)
	if err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"frame_size": len(frame)}).Debug("unparsed frame")
		return
	}
	for _, ev := range events {
		r.dispatch(c, ev)
	}
}

func (r *Router) dispatch(c *connection.Connection, ev Event) {
	switch ev.Kind {
	case EventMessage:
		c.Resolve(ev.MessageHash, ev.Payload)
	case EventSnapshot:
		r.track(c, ev.Snapshot.Symbol)
		book, err := r.engine.ApplySnapshot(ev.Snapshot)
		if err != nil {
			r.desync(c, ev.Snapshot.Symbol, err)
			return
		}
		c.Resolve(BookHash(ev.Snapshot.Symbol), book)
	case EventDelta:
		symbol := ev.Delta.Symbol
		r.track(c, symbol)
		book, err := r.engine.ApplyDelta(ev.Delta)
		switch {
		case err == nil:
			c.Resolve(BookHash(symbol), book)
		case errors.Is(err, orderbook.ErrBuffered):
			r.startLoad(c, symbol)
		case errors.Is(err, errs.ErrNotSynced):
		default:
			r.desync(c, symbol, err)
		}
	case EventError:
		r.fail(c, ev)
	}
}

func (r *Router) fail(c *connection.Connection, ev Event) {
	err := ev.Err
	if err == nil {
		err = errors.New("exchange error")
	}
	if errs.IsRateLimit(err) {
		rate.Report(logger.GetLogger(), err, ev.Symbol, "")
	}
	hash := ev.MessageHash
	if hash == "" && ev.Symbol != "" {
		hash = BookHash(ev.Symbol)
	}
	if hash != "" {
		c.Reject(hash, err)
		return
	}
	n := c.RejectAll(err)
	r.log.WithError(err).WithFields(logger.Fields{"rejected": n}).Warn("exchange error")
}

func (r *Router) track(c *connection.Connection, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	syms, ok := r.routed[c]
	if !ok {
		syms = make(map[string]struct{})
		r.routed[c] = syms
	}
	syms[symbol] = struct{}{}
}

// Closed is the connection teardown hook. Every book fed over c is reset so
// the next connection rebuilds it from a fresh snapshot.
func (r *Router) Closed(c *connection.Connection, err error) {
	r.mu.Lock()
	syms := r.routed[c]
	delete(r.routed, c)
	r.mu.Unlock()

	for symbol := range syms {
		r.engine.Reset(symbol)
	}
	if len(syms) > 0 {
		r.log.WithError(err).WithFields(logger.Fields{"books": len(syms)}).Debug("books reset after connection close")
	}
}

// desync resets the book, forgets the subscription so the next watch
// resubscribes for a fresh snapshot, and surfaces err on the symbol's future.
// The unsubscribe frame waits on the connection's throttler like any
// subscription, so it is sent from its own goroutine.
func (r *Router) desync(c *connection.Connection, symbol string, err error) {
	r.engine.Reset(symbol)
	hash, _ := r.adapter.BookSubscription(symbol)
	c.RemoveSubscription(hash)
	if u, ok := r.adapter.(Unsubscriber); ok {
		if msg := u.BookUnsubscription(symbol); msg != nil {
			go func() {
				if serr := c.SendThrottled(context.Background(), msg, 0); serr != nil {
					r.log.WithError(serr).WithFields(logger.Fields{"symbol": symbol}).Warn("unsubscribe failed")
				}
			}()
		}
	}
	c.Reject(BookHash(symbol), err)
}

// startLoad begins REST synchronisation for symbol once per gap.
func (r *Router) startLoad(c *connection.Connection, symbol string) {
	snap, ok := r.adapter.(Snapshotter)
	if !ok {
		return
	}
	r.mu.Lock()
	if r.loading[symbol] {
		r.mu.Unlock()
		return
	}
	r.loading[symbol] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.loading, symbol)
			r.mu.Unlock()
		}()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := LoadOrderBook(ctx, c, r.engine, snap, symbol, r.snapshot); err != nil && ctx.Err() == nil {
			r.desync(c, symbol, err)
		}
	}()
}
