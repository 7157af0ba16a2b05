package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"barvault/logger"
)

// resourceSnapshot is one sample of host utilisation. Disk figures describe
// the volume holding the bar archive, not the root filesystem.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

// resourceSampler keeps a bounded history of resource snapshots for the
// dashboard's resources endpoint. The cpu collector blocks for the sample
// interval, which paces the loop.
type resourceSampler struct {
	mu          sync.RWMutex
	items       []resourceSnapshot
	limit       int
	interval    time.Duration
	archivePath string

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

func newResourceSampler(limit int, interval time.Duration, archivePath string, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	if archivePath == "" {
		archivePath = "/"
	}
	return &resourceSampler{
		limit:       limit,
		interval:    interval,
		archivePath: archivePath,
		log:         log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	if s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) append(snapshot resourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, snapshot)
	if len(s.items) > s.limit {
		s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		snapshot, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample host resources")
			// cpu sampling normally paces the loop; on failure wait the
			// interval ourselves before retrying
			if !s.wait(ctx) {
				return
			}
			continue
		}

		s.append(snapshot)
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, err
	}

	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}

	diskStats, err := diskUsageFn(ctx, s.archivePath)
	if err != nil {
		return resourceSnapshot{}, err
	}

	return resourceSnapshot{
		Timestamp:   time.Now(),
		CPUPercent:  firstSample(cpuSamples),
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
		DiskUsed:    diskStats.Used,
		DiskTotal:   diskStats.Total,
		DiskPct:     diskStats.UsedPercent,
	}, nil
}

func (s *resourceSampler) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
