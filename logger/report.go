package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsConnection int64
	errorsBook       int64
	warnsConnection  int64
	warnsBook        int64
	connectsOpened   int64
	reconnects       int64
	framesRead       int64
	futuresResolved  int64
	futuresRejected  int64
	desyncs          int64
	throttleWaits    int64
	throttleWaitNs   int64
	archiveWrites    int64
	streams          sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "connection"), strings.Contains(component, "supervisor"):
		atomic.AddInt64(&warnsConnection, 1)
	case strings.Contains(component, "orderbook"):
		atomic.AddInt64(&warnsBook, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "connection"), strings.Contains(component, "supervisor"):
		atomic.AddInt64(&errorsConnection, 1)
	case strings.Contains(component, "orderbook"):
		atomic.AddInt64(&errorsBook, 1)
	}
}

func IncrementConnect() {
	atomic.AddInt64(&connectsOpened, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementFrameRead counts one inbound frame of size bytes on the named stream.
func IncrementFrameRead(stream string, size int) {
	atomic.AddInt64(&framesRead, 1)
	recordStream(stream, size)
}

func IncrementFutureResolved() {
	atomic.AddInt64(&futuresResolved, 1)
}

func IncrementFutureRejected(n int) {
	atomic.AddInt64(&futuresRejected, int64(n))
}

func IncrementDesync() {
	atomic.AddInt64(&desyncs, 1)
}

// RecordThrottleWait counts an admission that had to wait.
func RecordThrottleWait(d time.Duration) {
	if d <= 0 {
		return
	}
	atomic.AddInt64(&throttleWaits, 1)
	atomic.AddInt64(&throttleWaitNs, int64(d))
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordStream("s3_book_archive", int(size))
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	s := v.(*streamStat)
	atomic.AddInt64(&s.messages, 1)
	atomic.AddInt64(&s.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() (Fields, map[string]map[string]int64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		s := v.(*streamStat)
		streamData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&s.messages),
			"bytes":    atomic.LoadInt64(&s.bytes),
		}
		return true
	})

	waits := atomic.LoadInt64(&throttleWaits)
	avgWaitMs := 0.0
	if waits > 0 {
		avgWaitMs = float64(atomic.LoadInt64(&throttleWaitNs)) / float64(waits) / 1e6
	}

	return Fields{
		"errors_connection":  atomic.LoadInt64(&errorsConnection),
		"errors_orderbook":   atomic.LoadInt64(&errorsBook),
		"warns_connection":   atomic.LoadInt64(&warnsConnection),
		"warns_orderbook":    atomic.LoadInt64(&warnsBook),
		"connects":           atomic.LoadInt64(&connectsOpened),
		"reconnects":         atomic.LoadInt64(&reconnects),
		"frames_read":        atomic.LoadInt64(&framesRead),
		"futures_resolved":   atomic.LoadInt64(&futuresResolved),
		"futures_rejected":   atomic.LoadInt64(&futuresRejected),
		"desyncs":            atomic.LoadInt64(&desyncs),
		"throttle_waits":     waits,
		"throttle_avg_ms":    avgWaitMs,
		"archive_writes":     atomic.LoadInt64(&archiveWrites),
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_mb":      int64(ms.HeapAlloc) / 1024 / 1024,
		"sys_mb":             int64(ms.Sys) / 1024 / 1024,
		"gc_cycles":          int64(ms.NumGC),
		"streams":            streamData,
	}, streamData
}

func logReport(ctx context.Context, log *Log) {
	fields, streamData := reportFields()
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields[key].(int64)))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["goroutines"].(int)))},
		{MetricName: aws.String("HeapAllocMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(fields["heap_alloc_mb"].(int64)))},
		{MetricName: aws.String("ThrottleAvgWaitMs"), Unit: cwtypes.StandardUnitMilliseconds, Value: aws.Float64(fields["throttle_avg_ms"].(float64))},
		count("ErrorsConnection", "errors_connection"),
		count("ErrorsOrderBook", "errors_orderbook"),
		count("Connects", "connects"),
		count("Reconnects", "reconnects"),
		count("FramesRead", "frames_read"),
		count("FuturesResolved", "futures_resolved"),
		count("FuturesRejected", "futures_rejected"),
		count("Desyncs", "desyncs"),
		count("ArchiveWrites", "archive_writes"),
	}

	for name, stats := range streamData {
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("StreamMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("StreamBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}
