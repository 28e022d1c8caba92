package watch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"cryptostream/config"
	"cryptostream/internal/channel"
	"cryptostream/internal/connection"
	"cryptostream/internal/errs"
	"cryptostream/internal/metrics/rate"
	"cryptostream/internal/orderbook"
	"cryptostream/internal/throttle"
	"cryptostream/models"
)

// mockWSServer creates a test websocket server running handler per client.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// testFrame is the wire format spoken by testAdapter.
type testFrame struct {
	Type   string     `json:"type"`
	Symbol string     `json:"symbol,omitempty"`
	Nonce  int64      `json:"nonce,omitempty"`
	Bids   [][]string `json:"bids,omitempty"`
	Asks   [][]string `json:"asks,omitempty"`
	Hash   string     `json:"hash,omitempty"`
	Value  int        `json:"value,omitempty"`
	Msg    string     `json:"msg,omitempty"`
}

type testAdapter struct {
	url string
}

func (a *testAdapter) Exchange() string             { return "test" }
func (a *testAdapter) BookURL(symbol string) string { return a.url }
func (a *testAdapter) BookSubscription(symbol string) (string, interface{}) {
	return "books:" + symbol, map[string]string{"op": "subscribe", "symbol": symbol}
}

func (a *testAdapter) Parse(data []byte) ([]Event, error) {
	var f testFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	bids, err := models.ParseLevels(f.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := models.ParseLevels(f.Asks)
	if err != nil {
		return nil, err
	}
	switch f.Type {
	case "snapshot":
		return []Event{{Kind: EventSnapshot, Snapshot: models.Snapshot{Exchange: "test", Symbol: f.Symbol, Bids: bids, Asks: asks, Nonce: f.Nonce}}}, nil
	case "delta":
		return []Event{{Kind: EventDelta, Delta: models.Delta{Exchange: "test", Symbol: f.Symbol, Bids: bids, Asks: asks, Nonce: f.Nonce}}}, nil
	case "message":
		return []Event{{Kind: EventMessage, MessageHash: f.Hash, Payload: f.Value}}, nil
	case "error":
		return []Event{{Kind: EventError, Err: rate.Classify("test", f.Msg)}}, nil
	}
	return nil, nil
}

// snapshotAdapter serves book snapshots over "REST".
type snapshotAdapter struct {
	testAdapter
	mu      sync.Mutex
	nonces  []int64
	fetches int
}

func (a *snapshotAdapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (models.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.nonces[len(a.nonces)-1]
	if a.fetches < len(a.nonces) {
		n = a.nonces[a.fetches]
	}
	a.fetches++
	return models.Snapshot{Exchange: "test", Symbol: symbol, Nonce: n, Bids: []models.Level{lv(100, 1)}}, nil
}

func (a *snapshotAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

func newPool(adapter Adapter, engine *orderbook.Engine, snap SnapshotOptions) *connection.Pool {
	router := NewRouter(adapter, engine, snap)
	opts := connection.Options{
		Exchange:       adapter.Exchange(),
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		Handler:        router.Handle,
		OnClose:        router.Closed,
	}
	return connection.NewPool(opts, func() throttle.Throttler {
		return throttle.NewRollingWindow(1000, time.Second, 0)
	})
}

func writeFrame(t *testing.T, conn *websocket.Conn, f testFrame) {
	data, _ := json.Marshal(f)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Logf("write: %v", err)
	}
}

func await(t *testing.T, f interface {
	Await(context.Context) (interface{}, error)
}) (interface{}, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return f.Await(ctx)
}

// bookServer answers every subscribe with a snapshot and every "gap" or
// "next" text with a delta.
func bookServer(t *testing.T, subscribes *int32) *httptest.Server {
	return mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch {
			case strings.Contains(string(data), "subscribe"):
				atomic.AddInt32(subscribes, 1)
				writeFrame(t, conn, testFrame{Type: "snapshot", Symbol: "BTC", Nonce: 1, Bids: [][]string{{"100", "1"}}, Asks: [][]string{{"101", "1"}}})
			case string(data) == "next":
				writeFrame(t, conn, testFrame{Type: "delta", Symbol: "BTC", Nonce: 2, Bids: [][]string{{"100", "0"}}})
			case string(data) == "gap":
				writeFrame(t, conn, testFrame{Type: "delta", Symbol: "BTC", Nonce: 5, Bids: [][]string{{"99", "1"}}})
			}
		}
	})
}

func bookRequest(a Adapter, symbol string) Request {
	hash, msg := a.BookSubscription(symbol)
	return Request{URL: a.BookURL(symbol), MessageHash: BookHash(symbol), Message: msg, SubscriptionHash: hash}
}

func TestWatchStreamsBookUpdates(t *testing.T) {
	var subs int32
	server := bookServer(t, &subs)
	defer server.Close()

	adapter := &testAdapter{url: wsURL(server)}
	engine := orderbook.NewEngine("test", orderbook.Config{})
	pool := newPool(adapter, engine, SnapshotOptions{})
	defer pool.CloseAll()

	v, err := await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC")))
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if book := v.(models.OrderBook); book.Nonce != 1 || len(book.Bids) != 1 {
		t.Fatalf("unexpected snapshot %+v", book)
	}

	f := Watch(context.Background(), pool, bookRequest(adapter, "BTC"))
	c, _ := pool.Lookup(adapter.url)
	if err := c.Send("next"); err != nil {
		t.Fatalf("send: %v", err)
	}
	v, err = await(t, f)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if book := v.(models.OrderBook); book.Nonce != 2 || len(book.Bids) != 0 {
		t.Fatalf("expected bid at 100 removed, got %+v", book)
	}
	if n := atomic.LoadInt32(&subs); n != 1 {
		t.Fatalf("expected one subscribe, got %d", n)
	}
}

func TestConcurrentWatchSubscribesOnce(t *testing.T) {
	var subs int32
	release := make(chan struct{})
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), "subscribe") {
				atomic.AddInt32(&subs, 1)
				go func() {
					<-release
					writeFrame(t, conn, testFrame{Type: "snapshot", Symbol: "BTC", Nonce: 1})
				}()
			}
		}
	})
	defer server.Close()

	adapter := &testAdapter{url: wsURL(server)}
	pool := newPool(adapter, orderbook.NewEngine("test", orderbook.Config{}), SnapshotOptions{})
	defer pool.CloseAll()

	const n = 20
	futures := make(chan interface {
		Await(context.Context) (interface{}, error)
	}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures <- Watch(context.Background(), pool, bookRequest(adapter, "BTC"))
		}()
	}
	wg.Wait()
	close(futures)
	close(release)
	for f := range futures {
		if _, err := await(t, f); err != nil {
			t.Fatalf("watch: %v", err)
		}
	}
	if got := atomic.LoadInt32(&subs); got != 1 {
		t.Fatalf("expected exactly one subscribe, got %d", got)
	}
}

func TestDesyncRejectsAndResubscribes(t *testing.T) {
	var subs int32
	server := bookServer(t, &subs)
	defer server.Close()

	adapter := &testAdapter{url: wsURL(server)}
	engine := orderbook.NewEngine("test", orderbook.Config{NonceMode: orderbook.NonceContiguous})
	pool := newPool(adapter, engine, SnapshotOptions{})
	defer pool.CloseAll()

	if _, err := await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC"))); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	f := Watch(context.Background(), pool, bookRequest(adapter, "BTC"))
	c, _ := pool.Lookup(adapter.url)
	c.Send("gap")
	_, err := await(t, f)
	if !errs.IsDesync(err) || !errors.Is(err, errs.ErrNonceGap) {
		t.Fatalf("expected nonce gap desync, got %v", err)
	}
	if engine.Status("BTC") != orderbook.Uninitialized {
		t.Fatalf("book should be reset, status %s", engine.Status("BTC"))
	}

	v, err := await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC")))
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if v.(models.OrderBook).Nonce != 1 {
		t.Fatalf("expected fresh snapshot, got %+v", v)
	}
	if got := atomic.LoadInt32(&subs); got != 2 {
		t.Fatalf("expected a second subscribe after desync, got %d", got)
	}
}

func TestWatchMultipleFirstWins(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		writeFrame(t, conn, testFrame{Type: "message", Hash: "ticker:ETH", Value: 7})
		conn.ReadMessage()
	})
	defer server.Close()

	adapter := &testAdapter{url: wsURL(server)}
	pool := newPool(adapter, orderbook.NewEngine("test", orderbook.Config{}), SnapshotOptions{})
	defer pool.CloseAll()

	req := Request{URL: adapter.url, Message: map[string]string{"op": "subscribe", "channel": "tickers"}, SubscriptionHash: "tickers"}
	v, err := await(t, WatchMultiple(context.Background(), pool, req, []string{"ticker:BTC", "ticker:ETH"}))
	if err != nil || v.(int) != 7 {
		t.Fatalf("unexpected result %v %v", v, err)
	}
}

func TestWatchAfterCloseAllRejects(t *testing.T) {
	adapter := &testAdapter{url: "ws://127.0.0.1:1"}
	pool := newPool(adapter, orderbook.NewEngine("test", orderbook.Config{}), SnapshotOptions{})
	pool.CloseAll()
	_, err := await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC")))
	if !errors.Is(err, errs.ErrClosedByUser) {
		t.Fatalf("expected closed by user, got %v", err)
	}
}

func TestLoadOrderBookRetriesUntilOverlap(t *testing.T) {
	engine := orderbook.NewEngine("test", orderbook.Config{NonceMode: orderbook.NonceContiguous})
	for n := int64(3); n <= 6; n++ {
		engine.ApplyDelta(models.Delta{Symbol: "BTC", Nonce: n, Bids: []models.Level{lv(float64(90+n), 1)}})
	}
	c := connection.New("ws://unused", connection.Options{Exchange: "test"}, throttle.NewRollingWindow(10, time.Second, 0))
	f := c.Future(BookHash("BTC"))

	snap := &snapshotAdapter{nonces: []int64{1, 1, 4}}
	err := LoadOrderBook(context.Background(), c, engine, snap, "BTC", SnapshotOptions{MaxRetries: 3})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.fetchCount() != 3 {
		t.Fatalf("expected 3 fetches, got %d", snap.fetchCount())
	}
	v, err := await(t, f)
	if err != nil || v.(models.OrderBook).Nonce != 6 {
		t.Fatalf("unexpected book %v %v", v, err)
	}
}

func TestLoadOrderBookGivesUp(t *testing.T) {
	engine := orderbook.NewEngine("test", orderbook.Config{NonceMode: orderbook.NonceContiguous})
	engine.ApplyDelta(models.Delta{Symbol: "BTC", Nonce: 10})
	c := connection.New("ws://unused", connection.Options{Exchange: "test"}, throttle.NewRollingWindow(10, time.Second, 0))

	snap := &snapshotAdapter{nonces: []int64{1}}
	err := LoadOrderBook(context.Background(), c, engine, snap, "BTC", SnapshotOptions{MaxRetries: 2, Delay: time.Millisecond})
	if !errs.IsDesync(err) {
		t.Fatalf("expected desync, got %v", err)
	}
	if snap.fetchCount() != 2 {
		t.Fatalf("expected 2 fetches, got %d", snap.fetchCount())
	}
}

func TestRouterLoadsSnapshotForDeltaStreams(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for n := int64(3); n <= 5; n++ {
			writeFrame(t, conn, testFrame{Type: "delta", Symbol: "BTC", Nonce: n, Bids: [][]string{{"99", "2"}}})
		}
		conn.ReadMessage()
	})
	defer server.Close()

	adapter := &snapshotAdapter{testAdapter: testAdapter{url: wsURL(server)}, nonces: []int64{3}}
	engine := orderbook.NewEngine("test", orderbook.Config{NonceMode: orderbook.NonceContiguous})
	pool := newPool(adapter, engine, SnapshotOptions{MaxRetries: 3, Delay: 20 * time.Millisecond})
	defer pool.CloseAll()

	v, err := await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC")))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if book := v.(models.OrderBook); book.Nonce < 3 {
		t.Fatalf("unexpected book %+v", book)
	}
	if engine.Status("BTC") != orderbook.Synced {
		t.Fatalf("status %s", engine.Status("BTC"))
	}
}

func TestSupervisorReconnectsAfterRemoteClose(t *testing.T) {
	var conns int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&conns, 1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		writeFrame(t, conn, testFrame{Type: "snapshot", Symbol: "BTC", Nonce: int64(n), Bids: [][]string{{"100", "1"}}})
		if n == 1 {
			time.Sleep(50 * time.Millisecond)
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
		conn.ReadMessage()
	})
	defer server.Close()

	adapter := &testAdapter{url: wsURL(server)}
	pool := newPool(adapter, orderbook.NewEngine("test", orderbook.Config{}), SnapshotOptions{})
	defer pool.CloseAll()

	out := channel.NewBooks("test", 8)
	sup := NewSupervisor(pool, adapter, "BTC", 1, config.SupervisorConfig{InitialInterval: 10 * time.Millisecond}, out)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	var nonces []int64
	for len(nonces) < 2 {
		select {
		case book := <-out.C:
			nonces = append(nonces, book.Nonce)
		case <-deadline:
			t.Fatalf("timed out, got %v", nonces)
		}
	}
	if nonces[0] != 1 || nonces[1] != 2 {
		t.Fatalf("unexpected nonces %v", nonces)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled, got %v", err)
	}
}

func TestSupervisorStopsOnRateLimit(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		writeFrame(t, conn, testFrame{Type: "error", Msg: "Too many requests"})
		conn.ReadMessage()
	})
	defer server.Close()

	adapter := &testAdapter{url: wsURL(server)}
	pool := newPool(adapter, orderbook.NewEngine("test", orderbook.Config{}), SnapshotOptions{})
	defer pool.CloseAll()

	sup := NewSupervisor(pool, adapter, "BTC", 1, config.SupervisorConfig{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sup.Run(ctx); !errs.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestReconnectRebuildsBookFromFreshSnapshot(t *testing.T) {
	var conns int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&conns, 1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if n == 1 {
			writeFrame(t, conn, testFrame{Type: "delta", Symbol: "BTC", Nonce: 10, Bids: [][]string{{"99", "1"}}})
			time.Sleep(50 * time.Millisecond)
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
		writeFrame(t, conn, testFrame{Type: "delta", Symbol: "BTC", Nonce: 20, Asks: [][]string{{"105", "1"}}})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	adapter := &snapshotAdapter{testAdapter: testAdapter{url: wsURL(server)}, nonces: []int64{5, 15}}
	engine := orderbook.NewEngine("test", orderbook.Config{NonceMode: orderbook.NonceMonotonic})
	pool := newPool(adapter, engine, SnapshotOptions{MaxRetries: 3})
	defer pool.CloseAll()

	v, err := await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC")))
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if book := v.(models.OrderBook); book.Nonce != 10 || len(book.Bids) != 2 {
		t.Fatalf("unexpected first book %+v", book)
	}

	deadline := time.Now().Add(2 * time.Second)
	for engine.Status("BTC") != orderbook.Uninitialized || pool.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("book still %s after connection closed", engine.Status("BTC"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	v, err = await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC")))
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	book := v.(models.OrderBook)
	if book.Nonce != 20 || len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("stale levels survived reconnect: %+v", book)
	}
	if n := adapter.fetchCount(); n != 2 {
		t.Fatalf("expected a fresh snapshot per connection, got %d fetches", n)
	}
}

func TestSupervisorBacksOffBeforeResubscribingAfterDesync(t *testing.T) {
	var subs int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), "subscribe") {
				atomic.AddInt32(&subs, 1)
				writeFrame(t, conn, testFrame{Type: "snapshot", Symbol: "BTC", Nonce: 1, Bids: [][]string{{"100", "1"}}})
				time.Sleep(20 * time.Millisecond)
				writeFrame(t, conn, testFrame{Type: "delta", Symbol: "BTC", Nonce: 5, Bids: [][]string{{"99", "1"}}})
			}
		}
	})
	defer server.Close()

	adapter := &testAdapter{url: wsURL(server)}
	engine := orderbook.NewEngine("test", orderbook.Config{NonceMode: orderbook.NonceContiguous})
	pool := newPool(adapter, engine, SnapshotOptions{})
	defer pool.CloseAll()

	cfg := config.SupervisorConfig{InitialInterval: 100 * time.Millisecond, RandomizationFactor: 0.01}
	sup := NewSupervisor(pool, adapter, "BTC", 1, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// Each desync waits 100ms, then 150ms, before the next subscribe.
	if n := atomic.LoadInt32(&subs); n < 2 || n > 3 {
		t.Fatalf("expected paced resubscribes, got %d", n)
	}
}

func lv(price, size float64) models.Level {
	return models.Level{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}

type unsubscribeAdapter struct {
	testAdapter
}

func (a *unsubscribeAdapter) BookUnsubscription(symbol string) interface{} {
	return map[string]string{"op": "unsub", "symbol": symbol}
}

// countingThrottler admits everything and records each admission.
type countingThrottler struct {
	admits atomic.Int32
}

func (c *countingThrottler) Admit(ctx context.Context, cost float64) error {
	c.admits.Add(1)
	return nil
}

func TestDesyncUnsubscribeIsThrottled(t *testing.T) {
	unsubs := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch {
			case strings.Contains(string(data), `"unsub"`):
				unsubs <- string(data)
			case strings.Contains(string(data), "subscribe"):
				writeFrame(t, conn, testFrame{Type: "snapshot", Symbol: "BTC", Nonce: 1, Bids: [][]string{{"100", "1"}}})
			case string(data) == "gap":
				writeFrame(t, conn, testFrame{Type: "delta", Symbol: "BTC", Nonce: 5, Bids: [][]string{{"99", "1"}}})
			}
		}
	})
	defer server.Close()

	adapter := &unsubscribeAdapter{testAdapter{url: wsURL(server)}}
	engine := orderbook.NewEngine("test", orderbook.Config{NonceMode: orderbook.NonceContiguous})
	router := NewRouter(adapter, engine, SnapshotOptions{})
	th := &countingThrottler{}
	pool := connection.NewPool(connection.Options{
		Exchange:       adapter.Exchange(),
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		Handler:        router.Handle,
		OnClose:        router.Closed,
	}, func() throttle.Throttler { return th })
	defer pool.CloseAll()

	if _, err := await(t, Watch(context.Background(), pool, bookRequest(adapter, "BTC"))); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	subscribeAdmits := th.admits.Load()

	f := Watch(context.Background(), pool, bookRequest(adapter, "BTC"))
	c, _ := pool.Lookup(adapter.url)
	c.Send("gap")
	if _, err := await(t, f); !errs.IsDesync(err) {
		t.Fatalf("expected desync, got %v", err)
	}

	select {
	case msg := <-unsubs:
		if !strings.Contains(msg, `"symbol":"BTC"`) {
			t.Fatalf("unexpected unsubscribe frame %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe frame never reached the server")
	}
	if got := th.admits.Load(); got <= subscribeAdmits {
		t.Fatalf("unsubscribe bypassed the throttler: admits %d before, %d after", subscribeAdmits, got)
	}
}
