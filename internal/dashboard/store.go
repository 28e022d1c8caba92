package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cryptostream/internal/metrics"
)

const defaultHistory = 200

// streamKey identifies one exchange book stream.
type streamKey struct {
	Exchange string
	Symbol   string
}

// history keeps the latest items overall plus the latest items of every
// stream they were tagged with, each bounded by limit.
type history[T any] struct {
	mu      sync.RWMutex
	limit   int
	recent  []T
	streams map[streamKey][]T
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &history[T]{limit: limit, streams: make(map[streamKey][]T)}
}

func (h *history[T]) add(item T, key streamKey, tagged bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = bounded(append(h.recent, item), h.limit)
	if tagged {
		h.streams[key] = bounded(append(h.streams[key], item), h.limit)
	}
}

func bounded[T any](items []T, limit int) []T {
	if len(items) <= limit {
		return items
	}
	return append([]T(nil), items[len(items)-limit:]...)
}

func (h *history[T]) all() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]T{}, h.recent...)
}

func (h *history[T]) stream(key streamKey) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]T{}, h.streams[key]...)
}

// metricStore retains recent metric events, indexed by stream when the
// event carries exchange and symbol fields.
type metricStore struct {
	*history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{history: newHistory[metrics.Metric](limit)}
}

func (s *metricStore) handle(m metrics.Metric) {
	exchange, symbol, ok := m.Stream()
	s.add(m, streamKey{Exchange: exchange, Symbol: symbol}, ok)
}

// logRecord is the JSON form of a captured log entry.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Exchange  string                 `json:"exchange,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent entries, indexed by stream
// like metricStore. Debug and trace entries are not kept: the dispatch path
// logs at debug for every frame.
type logStore struct {
	*history[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	s := &logStore{history: newHistory[logRecord](limit)}
	s.enabled.Store(true)
	return s
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "exchange":
			if str, ok := v.(string); ok {
				record.Exchange = str
				continue
			}
		case "symbol":
			if str, ok := v.(string); ok {
				record.Symbol = str
				continue
			}
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}
	key := streamKey{Exchange: record.Exchange, Symbol: record.Symbol}
	s.add(record, key, key.Exchange != "" && key.Symbol != "")
	return nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
