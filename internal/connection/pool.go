package connection

import (
	"context"
	"errors"
	"sync"

	"cryptostream/internal/errs"
	"cryptostream/internal/throttle"
	"cryptostream/logger"
)

// Pool owns the connections of one adapter instance, one per URL.
type Pool struct {
	opts       Options
	throttlers throttle.Factory

	mu     sync.Mutex
	conns  map[string]*Connection
	seeds  map[string][]Subscription
	closed bool
	log    *logger.Entry
}

// NewPool creates an empty pool. Every connection gets its own throttler
// from throttlers and shares opts.
func NewPool(opts Options, throttlers throttle.Factory) *Pool {
	return &Pool{
		opts:       opts,
		throttlers: throttlers,
		conns:      make(map[string]*Connection),
		seeds:      make(map[string][]Subscription),
		log:        logger.GetLogger().WithComponent("connection_pool").WithFields(logger.Fields{"exchange": opts.Exchange}),
	}
}

// Get returns the live connection for url, creating it lazily. A connection
// replacing one that failed inherits its subscriptions, all unsent.
func (p *Pool) Get(url string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, &errs.ConnectionError{URL: url, Err: errs.ErrClosedByUser}
	}
	if c, ok := p.conns[url]; ok {
		return c, nil
	}

	c := New(url, p.opts, p.throttlers())
	c.onClose = p.remove
	if seeds := p.seeds[url]; len(seeds) > 0 {
		for _, s := range seeds {
			c.Subscribe(context.Background(), s.Hash, s)
		}
		delete(p.seeds, url)
		p.log.WithFields(logger.Fields{"url": url, "subscriptions": len(seeds)}).Info("seeded reconnect subscriptions")
	}
	p.conns[url] = c
	return c, nil
}

// Lookup returns the live connection for url without creating one.
func (p *Pool) Lookup(url string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[url]
	return c, ok
}

func (p *Pool) remove(c *Connection, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[c.url]; ok && cur == c {
		delete(p.conns, c.url)
	}
	if p.closed || errors.Is(err, errs.ErrClosedByUser) {
		return
	}
	if subs := c.Subscriptions(); len(subs) > 0 {
		p.seeds[c.url] = subs
	}
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// CloseAll closes every connection and refuses new ones.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.seeds = make(map[string][]Subscription)
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.log.WithFields(logger.Fields{"connections": len(conns)}).Info("connection pool closed")
	return firstErr
}
