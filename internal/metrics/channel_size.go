package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cryptostream/internal/channel"
	"cryptostream/logger"
)

// Buffer is a bounded hand-off queue between stream stages.
type Buffer interface {
	Name() string
	Len() int
	Cap() int
	GetStats() channel.Stats
}

var bufferLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cryptostream_buffer_length",
	Help: "Order book views waiting in a hand-off buffer",
}, []string{"buffer"})

// StartChannelSizeMetrics samples every buffer each interval until ctx is
// cancelled. A non-positive interval samples every second.
func StartChannelSizeMetrics(ctx context.Context, interval time.Duration, buffers ...Buffer) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s := newBufferSampler()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(logger.GetLogger(), buffers)
			}
		}
	}()
}

// bufferSampler remembers the drop count of the previous tick so each
// event reports the drops since then.
type bufferSampler struct {
	dropped map[string]int64
}

func newBufferSampler() *bufferSampler {
	return &bufferSampler{dropped: make(map[string]int64)}
}

func (s *bufferSampler) sample(log *logger.Log, buffers []Buffer) {
	for _, b := range buffers {
		name := b.Name()
		stats := b.GetStats()
		recent := stats.Dropped - s.dropped[name]
		s.dropped[name] = stats.Dropped

		length := b.Len()
		bufferLength.WithLabelValues(name).Set(float64(length))
		fields := logger.Fields{
			"buffer":   name,
			"capacity": b.Cap(),
			"sent":     stats.Sent,
			"dropped":  recent,
		}
		if capacity := b.Cap(); capacity > 0 {
			fields["fill_ratio"] = float64(length) / float64(capacity)
		}
		EmitMetric(log, "channel_buffers", "book_buffer_length", length, "gauge", fields)
	}
}
