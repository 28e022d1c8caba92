package metrics

import (
	"testing"
	"time"

	"cryptostream/logger"
)

func resetMetricHandlers() {
	handlersMu.Lock()
	handlers = nil
	lastID = 0
	handlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}
	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
	if RegisterMetricHandler(nil) != 0 {
		t.Fatalf("expected zero id for nil handler")
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	fields := logger.Fields{"exchange": "okx"}
	EmitMetric(logger.Logger(), "throttle", "admit_wait_ms", 12, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "throttle" || event.Name != "admit_wait_ms" || event.Type != "gauge" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("caller fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultTypeAndName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 2)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "orderbook", "", 1, "counter", nil)
	EmitMetric(nil, "orderbook", "updates", 7, "", nil)

	select {
	case event := <-events:
		if event.Name != "updates" || event.Type != "counter" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitDropMetric(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitDropMetric(nil, DropMetricBookUpdate, "okx", "BTC-USDT")
	event := <-events
	exchange, symbol, ok := event.Stream()
	if !ok || exchange != "okx" || symbol != "BTC-USDT" || event.Name != string(DropMetricBookUpdate) {
		t.Fatalf("unexpected drop event: %+v", event)
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	resetMetricHandlers()

	var order []int
	first := RegisterMetricHandler(func(Metric) { order = append(order, 1) })
	second := RegisterMetricHandler(func(Metric) { order = append(order, 2) })
	third := RegisterMetricHandler(func(Metric) { order = append(order, 3) })
	t.Cleanup(func() {
		UnregisterMetricHandler(first)
		UnregisterMetricHandler(third)
	})

	EmitMetric(nil, "stream", "frames", 1, "counter", nil)
	UnregisterMetricHandler(second)
	EmitMetric(nil, "stream", "frames", 1, "counter", nil)

	want := []int{1, 2, 3, 1, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if _, _, ok := (Metric{Fields: logger.Fields{"exchange": "okx"}}).Stream(); ok {
		t.Fatal("metric without symbol reported a stream")
	}
}
