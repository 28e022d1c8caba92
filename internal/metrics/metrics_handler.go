package metrics

import (
	"sync"
	"time"

	"cryptostream/logger"
)

// Metric is a structured metric event. Stream scoped events carry
// "exchange" and "symbol" in Fields.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Stream returns the exchange and symbol the event is tagged with, if any.
func (m Metric) Stream() (exchange, symbol string, ok bool) {
	exchange, _ = m.Fields["exchange"].(string)
	symbol, _ = m.Fields["symbol"].(string)
	return exchange, symbol, exchange != "" && symbol != ""
}

// MetricHandler consumes structured metric events.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler.
type MetricHandlerID uint64

type registeredHandler struct {
	id      MetricHandlerID
	handler MetricHandler
}

var (
	handlersMu sync.RWMutex
	handlers   []registeredHandler
	lastID     MetricHandlerID
)

// RegisterMetricHandler adds a handler receiving every emitted metric, after
// the handlers registered before it. A nil handler yields the zero id.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()
	lastID++
	handlers = append(handlers, registeredHandler{id: lastID, handler: handler})
	return lastID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()
	kept := handlers[:0:0]
	for _, h := range handlers {
		if h.id != id {
			kept = append(kept, h)
		}
	}
	handlers = kept
}

// EmitMetric logs the metric, publishes it to CloudWatch through the logger
// when configured and hands it to every registered handler.
func EmitMetric(log *logger.Log, component string, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}
	log.LogMetric(component, name, value, metricType, cloneFields(m.Fields))

	handlersMu.RLock()
	current := handlers
	handlersMu.RUnlock()
	// Unregister replaces the slice, so current stays valid without the lock.
	for _, h := range current {
		h.handler(m)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
