// Package watch ties admission control, connection multiplexing and message
// routing together and supervises long running streams.
package watch

import (
	"context"
	"time"

	"cryptostream/internal/connection"
	"cryptostream/internal/future"
)

// Request describes one watch call.
type Request struct {
	URL         string
	MessageHash string
	// Message is the subscribe frame. Nothing is sent when it is nil.
	Message          interface{}
	SubscriptionHash string
	Subscription     interface{}
	Cost             float64
	Backoff          time.Duration
}

// Watch returns the pending future for req.MessageHash on the connection for
// req.URL, creating the connection if needed. The subscribe message is
// recorded once per subscription hash and sent through the connection's
// throttler after the handshake. Watch does not block: callers await the
// returned future and call Watch again for the next occurrence. Cancelling
// ctx before the subscribe is admitted withdraws it from the throttler queue.
func Watch(ctx context.Context, pool *connection.Pool, req Request) *future.Future {
	c, err := pool.Get(req.URL)
	if err != nil {
		f := future.New()
		f.Reject(err)
		return f
	}
	f := c.Future(req.MessageHash)
	subscribe(ctx, c, req)
	connected(c, c.Connect(req.Backoff), req.MessageHash)
	return f
}

// WatchMultiple watches several message hashes sharing one subscribe message
// and resolves with the first occurrence of any of them.
func WatchMultiple(ctx context.Context, pool *connection.Pool, req Request, messageHashes []string) *future.Future {
	c, err := pool.Get(req.URL)
	if err != nil {
		f := future.New()
		f.Reject(err)
		return f
	}
	fs := make([]*future.Future, 0, len(messageHashes))
	for _, h := range messageHashes {
		fs = append(fs, c.Future(h))
	}
	if req.MessageHash == "" && len(messageHashes) > 0 {
		req.MessageHash = messageHashes[0]
	}
	subscribe(ctx, c, req)
	connected(c, c.Connect(req.Backoff), messageHashes...)
	return future.Race(fs...)
}

// connected rejects hashes when the connection was already torn down, since
// futures registered after teardown would otherwise never settle.
func connected(c *connection.Connection, cf *future.Future, hashes ...string) {
	if !cf.Settled() {
		return
	}
	if _, err := cf.Result(); err != nil {
		for _, h := range hashes {
			c.Reject(h, err)
		}
	}
}

func subscribe(ctx context.Context, c *connection.Connection, req Request) {
	if req.Message == nil {
		return
	}
	hash := req.SubscriptionHash
	if hash == "" {
		hash = req.MessageHash
	}
	c.Subscribe(ctx, hash, connection.Subscription{
		MessageHash: req.MessageHash,
		Message:     req.Message,
		Cost:        req.Cost,
		Payload:     req.Subscription,
	})
}
