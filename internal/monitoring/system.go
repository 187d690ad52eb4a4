package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds the most recent resource measurements for this process.
type SystemMetrics struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	Timestamp  time.Time
}

// SystemMonitor samples process CPU and memory on a fixed interval so the
// health endpoint can read them without paying the measurement cost per
// request. Measure once, query many times.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics
}

func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Extremely unlikely for our own PID; health output will report zeros.
		logger.Error().Err(err).Msg("Failed to open process handle for monitoring")
	}

	return &SystemMonitor{
		proc:   proc,
		logger: logger.With().Str("component", "system_monitor").Logger(),
	}
}

// Start begins periodic sampling until ctx is cancelled.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	go func() {
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.update()
		for {
			select {
			case <-ticker.C:
				sm.update()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sm *SystemMonitor) update() {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	if sm.proc != nil {
		if cpu, err := sm.proc.CPUPercent(); err == nil {
			m.CPUPercent = cpu
		}
		if mem, err := sm.proc.MemoryInfo(); err == nil {
			m.MemoryMB = float64(mem.RSS) / 1024.0 / 1024.0
		}
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()
}

// Metrics returns a copy of the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}
