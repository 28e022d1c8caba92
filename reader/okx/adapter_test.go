package okx

import (
	"encoding/json"
	"errors"
	"testing"

	"cryptostream/config"
	"cryptostream/internal/errs"
	"cryptostream/internal/orderbook"
	"cryptostream/internal/watch"
	"cryptostream/models"
)

func TestSubscriptionMessages(t *testing.T) {
	a := New(config.ExchangeConfig{})
	hash, msg := a.BookSubscription("BTC-USDT")
	if hash != "books:BTC-USDT" {
		t.Fatalf("hash = %s", hash)
	}
	data, _ := json.Marshal(msg)
	if string(data) != `{"op":"subscribe","args":[{"channel":"books","instId":"BTC-USDT"}]}` {
		t.Fatalf("subscribe = %s", data)
	}
	data, _ = json.Marshal(a.BookUnsubscription("BTC-USDT"))
	if string(data) != `{"op":"unsubscribe","args":[{"channel":"books","instId":"BTC-USDT"}]}` {
		t.Fatalf("unsubscribe = %s", data)
	}
	if a.BookURL("BTC-USDT") != DefaultURL {
		t.Fatalf("url = %s", a.BookURL("BTC-USDT"))
	}
}

func TestParseIgnoresControlFrames(t *testing.T) {
	a := New(config.ExchangeConfig{})
	for _, raw := range []string{"pong", `{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"},"connId":"a4d3ae55"}`} {
		events, err := a.Parse([]byte(raw))
		if err != nil || len(events) != 0 {
			t.Fatalf("%s: %v %v", raw, events, err)
		}
	}
	if _, err := a.Parse([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseErrorEvent(t *testing.T) {
	a := New(config.ExchangeConfig{})
	events, err := a.Parse([]byte(`{"event":"error","code":"50011","msg":"Too Many Requests","connId":"a4d3ae55"}`))
	if err != nil || len(events) != 1 || events[0].Kind != watch.EventError {
		t.Fatalf("unexpected %v %v", events, err)
	}
	if !errs.IsRateLimit(events[0].Err) {
		t.Fatalf("expected rate limit, got %v", events[0].Err)
	}
	events, _ = a.Parse([]byte(`{"event":"error","code":"60018","msg":"Wrong URL or channel"}`))
	var rl *errs.RateLimitExceeded
	if errors.As(events[0].Err, &rl) {
		t.Fatal("plain error classified as rate limit")
	}
}

// checksum computes the checksum OKX would send for the given levels.
func checksum(bids, asks [][]string) int64 {
	b, _ := models.ParseLevels(bids)
	s, _ := models.ParseLevels(asks)
	return orderbook.CRC32Interleaved{Depth: 25, Separator: ":"}.Checksum(b, s)
}

func TestSnapshotAndUpdateThroughEngine(t *testing.T) {
	a := New(config.ExchangeConfig{})
	engine := orderbook.NewEngine("okx", orderbook.Config{
		Depth:     400,
		NonceMode: orderbook.NoncePrevious,
		Checksum:  orderbook.CRC32Interleaved{Depth: 25, Separator: ":"},
	})

	snapBids := [][]string{{"8476.97", "256", "0", "13"}, {"8475.55", "101", "0", "1"}}
	snapAsks := [][]string{{"8476.98", "415", "0", "13"}, {"8477", "7", "0", "2"}}
	snap := map[string]interface{}{
		"arg":    map[string]string{"channel": "books", "instId": "BTC-USDT"},
		"action": "snapshot",
		"data": []map[string]interface{}{{
			"bids": snapBids, "asks": snapAsks, "ts": "1597026383085",
			"checksum": checksum(snapBids, snapAsks), "prevSeqId": -1, "seqId": 123456,
		}},
	}
	data, _ := json.Marshal(snap)
	events, err := a.Parse(data)
	if err != nil || len(events) != 1 || events[0].Kind != watch.EventSnapshot {
		t.Fatalf("snapshot parse: %v %v", events, err)
	}
	if _, err := engine.ApplySnapshot(events[0].Snapshot); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	afterBids := [][]string{{"8476.97", "300", "0", "13"}, {"8475.55", "101", "0", "1"}}
	afterAsks := [][]string{{"8477", "7", "0", "2"}}
	update := map[string]interface{}{
		"arg":    map[string]string{"channel": "books", "instId": "BTC-USDT"},
		"action": "update",
		"data": []map[string]interface{}{{
			"bids": [][]string{{"8476.97", "300", "0", "13"}}, "asks": [][]string{{"8476.98", "0", "0", "0"}},
			"ts": "1597026383185", "checksum": checksum(afterBids, afterAsks), "prevSeqId": 123456, "seqId": 123457,
		}},
	}
	data, _ = json.Marshal(update)
	events, err = a.Parse(data)
	if err != nil || len(events) != 1 || events[0].Kind != watch.EventDelta {
		t.Fatalf("update parse: %v %v", events, err)
	}
	if events[0].Delta.PrevNonce != 123456 {
		t.Fatalf("prev nonce = %d", events[0].Delta.PrevNonce)
	}
	book, err := engine.ApplyDelta(events[0].Delta)
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if len(book.Asks) != 1 || book.Bids[0].SizeString() != "300" || book.Nonce != 123457 {
		t.Fatalf("unexpected book %+v", book)
	}

	// replaying the same update breaks the prevSeqId chain
	if _, err := engine.ApplyDelta(events[0].Delta); !errs.IsDesync(err) {
		t.Fatalf("expected desync, got %v", err)
	}
}
