// Package metrics exposes stream health to Prometheus and fans structured
// metric events out to registered handlers.
//
// Registers:
//
//	#cryptostream_futures_total{exchange,outcome}
//	#cryptostream_desyncs_total{exchange,symbol}
//	#cryptostream_throttle_wait_seconds{exchange}
//	#cryptostream_connections{exchange}
//	#cryptostream_reconnects_total{exchange}
//	#cryptostream_frames_total{exchange}
//	#cryptostream_rate_limit_total{exchange,kind}
//	#cryptostream_dropped_updates_total{exchange,stream}
//	#cryptostream_buffer_length{buffer}
//	#go_* and process_* system metrics
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	registry = prometheus.NewRegistry()

	futures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_futures_total",
		Help: "Futures settled per outcome",
	}, []string{"exchange", "outcome"})

	desyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_desyncs_total",
		Help: "Order books that lost sync and were reset",
	}, []string{"exchange", "symbol"})

	throttleWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cryptostream_throttle_wait_seconds",
		Help:    "Time spent waiting for request admission",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"exchange"})

	connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cryptostream_connections",
		Help: "Open websocket connections",
	}, []string{"exchange"})

	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_reconnects_total",
		Help: "Supervisor reconnect attempts",
	}, []string{"exchange"})

	frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_frames_total",
		Help: "Inbound websocket frames dispatched",
	}, []string{"exchange"})

	rateLimits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_rate_limit_total",
		Help: "Exchange side rate limit rejections",
	}, []string{"exchange", "kind"})

	droppedUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_dropped_updates_total",
		Help: "Stream updates dropped because the consumer lagged",
	}, []string{"exchange", "stream"})
)

func register() {
	once.Do(func() {
		registry.MustRegister(futures, desyncs, throttleWait, connections, reconnects, frames, rateLimits, droppedUpdates, bufferLength)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the scrape handler for the stream registry.
func Handler() http.Handler {
	register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve starts the /metrics endpoint on addr. The returned server is shut
// down by the caller; listen errors are reported on errc.
func Serve(addr string) (*http.Server, <-chan error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return srv, errc
}

func FutureResolved(exchange string) { futures.WithLabelValues(exchange, "resolved").Inc() }

func FutureRejected(exchange string, n int) {
	futures.WithLabelValues(exchange, "rejected").Add(float64(n))
}

func Desync(exchange, symbol string) { desyncs.WithLabelValues(exchange, symbol).Inc() }

func ObserveThrottleWait(exchange string, d time.Duration) {
	throttleWait.WithLabelValues(exchange).Observe(d.Seconds())
}

func ConnectionOpened(exchange string) { connections.WithLabelValues(exchange).Inc() }

func ConnectionClosed(exchange string) { connections.WithLabelValues(exchange).Dec() }

func Reconnect(exchange string) { reconnects.WithLabelValues(exchange).Inc() }

func Frame(exchange string) { frames.WithLabelValues(exchange).Inc() }

func RateLimited(exchange string, ipBan bool) {
	kind := "limit"
	if ipBan {
		kind = "ip_ban"
	}
	rateLimits.WithLabelValues(exchange, kind).Inc()
}

func DroppedUpdate(exchange, stream string) { droppedUpdates.WithLabelValues(exchange, stream).Inc() }
