package metrics

import "cryptostream/logger"

// DropMetric names the metric emitted when a stream update is dropped.
type DropMetric string

const (
	// DropMetricBookUpdate counts order book views a slow consumer never saw.
	DropMetricBookUpdate DropMetric = "book_updates_dropped"
	// DropMetricArchive counts captures the archive writer could not queue.
	DropMetricArchive DropMetric = "archive_captures_dropped"
)

// EmitDropMetric records one dropped update in Prometheus and as a
// structured metric event tagged with exchange and symbol.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol string) {
	DroppedUpdate(exchange, string(metric))
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	EmitMetric(log, "stream_drops", string(metric), 1, "counter", fields)
}
