// Package connection multiplexes every stream of one exchange endpoint over a
// single websocket and turns inbound frames into settled futures.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"cryptostream/internal/errs"
	"cryptostream/internal/future"
	"cryptostream/internal/metrics"
	"cryptostream/internal/throttle"
	"cryptostream/logger"
)

// State is the socket lifecycle of a Connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Handler receives every decompressed inbound frame in socket order.
type Handler func(c *Connection, frame []byte)

// Options configure a Connection. Zero durations disable the matching
// timeout or keepalive.
type Options struct {
	Exchange       string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReadLimit      int64
	LocalIP        string
	Header         http.Header
	// Ping builds an application level ping. When nil a websocket ping
	// control frame is sent instead.
	Ping    func() []byte
	Handler Handler
	// OnClose runs once during teardown, after the socket is closed and
	// before pending futures are rejected.
	OnClose func(c *Connection, err error)
}

// Subscription is one subscribe request recorded on a Connection.
type Subscription struct {
	Hash        string
	MessageHash string
	Message     interface{}
	Cost        float64
	Payload     interface{}

	ctx   context.Context
	state subState
}

type subState int

const (
	subPending subState = iota
	subSending
	subSent
)

// Connection owns one websocket, its pending futures and its subscriptions.
type Connection struct {
	url       string
	opts      Options
	throttler throttle.Throttler
	registry  *future.Registry
	log       *logger.Entry

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	connected *future.Future
	subs      map[string]*Subscription
	order     []string
	err       error

	ctx      context.Context
	cancel   context.CancelFunc
	kick     chan struct{}
	writeMu  sync.Mutex
	lastRecv atomic.Int64
	once     sync.Once
	onClose  func(*Connection, error)
}

// New creates an idle connection for url. Nothing is dialled until Connect.
func New(url string, opts Options, th throttle.Throttler) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		url:       url,
		opts:      opts,
		throttler: th,
		registry:  future.NewRegistry(),
		log:       logger.GetLogger().WithComponent("connection").WithFields(logger.Fields{"url": url, "exchange": opts.Exchange}),
		connected: future.New(),
		subs:      make(map[string]*Subscription),
		ctx:       ctx,
		cancel:    cancel,
		kick:      make(chan struct{}, 1),
	}
}

func (c *Connection) URL() string { return c.url }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that tore the connection down, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Future returns the pending future for messageHash, allocating it if needed.
func (c *Connection) Future(messageHash string) *future.Future {
	return c.registry.Future(messageHash)
}

// Resolve settles the pending future for messageHash. Values nobody awaits
// are dropped.
func (c *Connection) Resolve(messageHash string, v interface{}) bool {
	ok := c.registry.Resolve(messageHash, v)
	if ok {
		metrics.FutureResolved(c.opts.Exchange)
		logger.IncrementFutureResolved()
	}
	return ok
}

// Reject settles the pending future for messageHash with err.
func (c *Connection) Reject(messageHash string, err error) bool {
	ok := c.registry.Reject(messageHash, err)
	if ok {
		metrics.FutureRejected(c.opts.Exchange, 1)
		logger.IncrementFutureRejected(1)
	}
	return ok
}

// RejectAll rejects every pending future with err and keeps the socket open.
func (c *Connection) RejectAll(err error) int {
	n := c.registry.RejectAll(err)
	if n > 0 {
		metrics.FutureRejected(c.opts.Exchange, n)
		logger.IncrementFutureRejected(n)
	}
	return n
}

// Subscribe records sub under hash unless it is already present. It reports
// whether the subscription was added. A new subscription is flushed through
// the throttler once the socket is open; ctx scopes its admission wait.
func (c *Connection) Subscribe(ctx context.Context, hash string, sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[hash]; ok {
		return false
	}
	if c.state == StateClosing || c.state == StateClosed {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub.Hash = hash
	sub.ctx = ctx
	sub.state = subPending
	c.subs[hash] = &sub
	c.order = append(c.order, hash)
	c.signal()
	return true
}

// RemoveSubscription forgets hash so a later Subscribe sends it again.
func (c *Connection) RemoveSubscription(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(hash)
}

func (c *Connection) removeLocked(hash string) {
	if _, ok := c.subs[hash]; !ok {
		return
	}
	delete(c.subs, hash)
	for i, h := range c.order {
		if h == hash {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Subscriptions returns a copy of the recorded subscriptions in insertion
// order, all marked unsent.
func (c *Connection) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.order))
	for _, h := range c.order {
		s := *c.subs[h]
		s.state = subPending
		s.ctx = nil
		out = append(out, s)
	}
	return out
}

// Sent reports whether the subscription for hash has been written.
func (c *Connection) Sent(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[hash]
	return ok && s.state == subSent
}

// Connect dials the socket after backoffDelay. It is idempotent while the
// connection is connecting or open and returns the same future each time.
// The future resolves with the Connection once the handshake completes.
func (c *Connection) Connect(backoffDelay time.Duration) *future.Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting, StateOpen:
		return c.connected
	case StateClosing, StateClosed:
		f := future.New()
		f.Reject(c.err)
		return f
	}
	c.state = StateConnecting
	go c.dial(backoffDelay)
	return c.connected
}

func (c *Connection) dial(backoffDelay time.Duration) {
	if backoffDelay > 0 {
		t := time.NewTimer(backoffDelay)
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
			return
		}
	}

	dialCtx := c.ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		EnableCompression: true,
	}
	if c.opts.LocalIP != "" {
		if ip := net.ParseIP(c.opts.LocalIP); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}

	start := time.Now()
	conn, _, err := dialer.DialContext(dialCtx, c.url, c.opts.Header)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && c.ctx.Err() == nil {
			err = &errs.TimeoutError{Op: "connect", After: c.opts.ConnectTimeout}
		}
		c.teardown(&errs.ConnectionError{URL: c.url, Err: err})
		return
	}
	if c.opts.ReadLimit > 0 {
		conn.SetReadLimit(c.opts.ReadLimit)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.lastRecv.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		c.lastRecv.Store(time.Now().UnixNano())
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.lastRecv.Store(time.Now().UnixNano())
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	metrics.ConnectionOpened(c.opts.Exchange)
	logger.IncrementConnect()
	logger.LogPerformanceEntry(c.log, "connection", "connect", time.Since(start), nil)

	c.connected.Resolve(c)
	go c.readLoop(conn)
	go c.flushLoop()
	if c.opts.PingInterval > 0 {
		go c.keepalive(conn)
	}
}

// SendThrottled admits cost on the connection's throttler and sends message.
// A non-positive cost is charged the throttler's default cost.
func (c *Connection) SendThrottled(ctx context.Context, message interface{}, cost float64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	if err := c.throttler.Admit(ctx, cost); err != nil {
		if c.ctx.Err() != nil {
			return &errs.ConnectionError{URL: c.url, Err: errs.ErrNotConnected}
		}
		return err
	}
	return c.Send(message)
}

// Send writes message to the socket. Byte slices and strings are sent as
// is, anything else is JSON encoded.
func (c *Connection) Send(message interface{}) error {
	var data []byte
	switch m := message.(type) {
	case []byte:
		data = m
	case string:
		data = []byte(m)
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		data = b
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return &errs.ConnectionError{URL: c.url, Err: errs.ErrNotConnected}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		cerr := &errs.ConnectionError{URL: c.url, Err: err}
		go c.teardown(cerr)
		return cerr
	}
	return nil
}

// Close tears the connection down, rejecting every pending future with
// ErrClosedByUser.
func (c *Connection) Close() error {
	c.teardown(&errs.ConnectionError{URL: c.url, Err: errs.ErrClosedByUser})
	return nil
}

func (c *Connection) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// flushLoop writes pending subscriptions in insertion order. Each one is
// admitted by the throttler and sent exactly once.
func (c *Connection) flushLoop() {
	c.signal()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		}
		for {
			sub := c.claim()
			if sub == nil {
				break
			}
			if !c.flush(sub) {
				return
			}
		}
	}
}

func (c *Connection) claim() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	for _, h := range c.order {
		if s := c.subs[h]; s.state == subPending {
			s.state = subSending
			return s
		}
	}
	return nil
}

// flush admits and sends one claimed subscription. It returns false once
// the connection is gone.
func (c *Connection) flush(sub *Subscription) bool {
	ctx, cancel := context.WithCancel(sub.ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	err := c.throttler.Admit(ctx, sub.Cost)
	stop()
	cancel()

	if c.ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.mu.Lock()
		if cur, ok := c.subs[sub.Hash]; ok && cur == sub {
			c.removeLocked(sub.Hash)
		}
		c.mu.Unlock()
		if sub.ctx.Err() == nil {
			c.log.WithError(err).WithFields(logger.Fields{"subscription": sub.Hash}).Warn("subscribe admission failed")
			c.Reject(sub.MessageHash, err)
		}
		return true
	}

	if err := c.Send(sub.Message); err != nil {
		return false
	}
	c.mu.Lock()
	sub.state = subSent
	c.mu.Unlock()
	c.log.WithFields(logger.Fields{"subscription": sub.Hash}).Debug("subscribed")
	return true
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.teardown(&errs.ConnectionError{URL: c.url, Err: errs.ErrRemoteClosed})
				return
			}
			c.teardown(&errs.ConnectionError{URL: c.url, Err: err})
			return
		}
		c.lastRecv.Store(time.Now().UnixNano())

		if mt == websocket.BinaryMessage {
			inflated, derr := decompress(data)
			if derr != nil {
				c.log.WithError(derr).Debug("failed to decompress frame")
				continue
			}
			data = inflated
		}
		metrics.Frame(c.opts.Exchange)
		logger.IncrementFrameRead(c.url, len(data))
		if c.opts.Handler != nil {
			c.opts.Handler(c, data)
		}
	}
}

// keepalive pings at the configured interval and tears the connection down
// when nothing arrived within the pong timeout.
func (c *Connection) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		last := time.Unix(0, c.lastRecv.Load())
		if c.opts.PongTimeout > 0 && time.Since(last) > c.opts.PongTimeout {
			c.log.WithFields(logger.Fields{"last_recv": last, "timeout": c.opts.PongTimeout}).Warn("connection stale")
			c.teardown(&errs.ConnectionError{URL: c.url, Err: errs.ErrStaleConnection})
			return
		}
		var err error
		if c.opts.Ping != nil {
			err = c.Send(c.opts.Ping())
		} else {
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		}
		if err != nil {
			c.log.WithError(err).Debug("failed to send ping")
		}
	}
}

// teardown runs once: it closes the socket, rejects every pending future
// and the connect future with err and notifies the pool.
func (c *Connection) teardown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		wasOpen := c.state == StateOpen
		c.state = StateClosing
		conn := c.conn
		c.err = err
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			if errors.Is(err, errs.ErrClosedByUser) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
			}
			conn.Close()
		}

		if c.opts.OnClose != nil {
			c.opts.OnClose(c, err)
		}
		n := c.RejectAll(err)
		c.connected.Reject(err)
		if wasOpen {
			metrics.ConnectionClosed(c.opts.Exchange)
		}

		c.mu.Lock()
		c.state = StateClosed
		onClose := c.onClose
		c.mu.Unlock()

		entry := c.log.WithError(err).WithFields(logger.Fields{"rejected": n})
		switch {
		case errors.Is(err, errs.ErrClosedByUser):
			entry.Info("connection closed")
		case errors.Is(err, errs.ErrRemoteClosed):
			entry.Info("connection closed by server")
		default:
			entry.Warn("connection failed")
		}
		if onClose != nil {
			onClose(c, err)
		}
	})
}
