package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cryptostream/internal/errs"
)

func TestFutureResolveOnce(t *testing.T) {
	f := New()
	if !f.Resolve(1) {
		t.Fatalf("first resolve should settle")
	}
	if f.Resolve(2) || f.Reject(errors.New("late")) {
		t.Fatalf("second settle should be ignored")
	}
	v, err := f.Await(context.Background())
	if err != nil || v.(int) != 1 {
		t.Fatalf("unexpected result %v %v", v, err)
	}
}

func TestFutureAwaitTimeout(t *testing.T) {
	f := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	var te *errs.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if f.Settled() {
		t.Fatalf("future should still be pending after await timeout")
	}
}

func TestRegistryReturnsSamePendingFuture(t *testing.T) {
	r := NewRegistry()
	a := r.Future("orderbook:BTC/USDT")
	b := r.Future("orderbook:BTC/USDT")
	if a != b {
		t.Fatalf("expected identical pending future")
	}
	if !r.Resolve("orderbook:BTC/USDT", "book") {
		t.Fatalf("resolve should find pending future")
	}
	c := r.Future("orderbook:BTC/USDT")
	if c == a {
		t.Fatalf("expected a new future after resolution")
	}
	if c.Settled() {
		t.Fatalf("new future should be pending")
	}
}

func TestRegistryDropsUnawaited(t *testing.T) {
	r := NewRegistry()
	if r.Resolve("ticker:ETH/USDT", 1) {
		t.Fatalf("resolve without pending future should be a no-op")
	}
	if r.Reject("ticker:ETH/USDT", errors.New("x")) {
		t.Fatalf("reject without pending future should be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("nothing should be buffered")
	}
}

func TestRegistryRejectAll(t *testing.T) {
	r := NewRegistry()
	fs := []*Future{r.Future("a"), r.Future("b"), r.Future("c")}
	cause := &errs.ConnectionError{URL: "wss://test", Err: errors.New("reset")}
	if n := r.RejectAll(cause); n != 3 {
		t.Fatalf("expected 3 rejections, got %d", n)
	}
	for _, f := range fs {
		_, err := f.Result()
		if !errors.Is(err, cause) {
			t.Fatalf("expected causing error, got %v", err)
		}
	}
}

func TestRegistryConcurrentFuture(t *testing.T) {
	r := NewRegistry()
	const n = 50
	got := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Future("k")
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("concurrent callers received different futures")
		}
	}
}

func TestRace(t *testing.T) {
	a, b := New(), New()
	out := Race(a, b)
	b.Resolve("b")
	v, err := out.Await(context.Background())
	if err != nil || v.(string) != "b" {
		t.Fatalf("unexpected race result %v %v", v, err)
	}
}
