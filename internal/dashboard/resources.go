package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"cryptostream/logger"
)

// resourceSnapshot is one sample of host usage plus the footprint of this
// process, whose goroutine count grows with open connections and streams.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
	ProcessRSS  uint64    `json:"process_rss"`
	Goroutines  int       `json:"goroutines"`
}

// Collectors, replaced in tests.
var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
	processRSSFn  = func(ctx context.Context) (uint64, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return info.RSS, nil
	}
)

type resourceSampler struct {
	*history[resourceSnapshot]
	interval time.Duration
	diskPath string
	log      *logger.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		history:  newHistory[resourceSnapshot](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log.WithComponent("resource_sampler"),
	}
}

// start samples in the background until stop or ctx ends. Repeated calls
// while running are ignored.
func (s *resourceSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *resourceSampler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *resourceSampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		snap, err := s.sample(ctx)
		if err != nil {
			s.log.WithError(err).Debug("resource sample failed")
			// a failed cpu sample did not block for the interval
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
			continue
		}
		s.add(snap, streamKey{}, false)
	}
}

// sample blocks for one interval while measuring cpu usage.
func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	diskStats, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, err
	}
	snap := resourceSnapshot{
		Timestamp:   time.Now(),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
		Goroutines:  runtime.NumGoroutine(),
	}
	if len(cpuSamples) > 0 {
		snap.CPUPercent = cpuSamples[0]
	}
	// RSS is best effort; some sandboxes hide /proc/self.
	if rss, err := processRSSFn(ctx); err == nil {
		snap.ProcessRSS = rss
	}
	return snap, nil
}
