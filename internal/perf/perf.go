package perf

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one host load sample.
type Snapshot struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	MemUsedMB  float64   `json:"mem_used_mb"`
	Sampled    time.Time `json:"sampled"`
}

// Monitor samples host CPU and memory in the background.
type Monitor struct {
	interval time.Duration
	cpu      func(ctx context.Context) (float64, error)
	mem      func(ctx context.Context) (percent, usedMB float64, err error)

	mu   sync.RWMutex
	last Snapshot
}

// NewMonitor creates a monitor sampling every interval.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		interval: interval,
		cpu:      hostCPU,
		mem:      hostMem,
	}
}

func hostCPU(ctx context.Context) (float64, error) {
	// Zero interval compares against the previous call.
	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(p) == 0 {
		return 0, err
	}
	return p[0], nil
}

func hostMem(ctx context.Context) (float64, float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return v.UsedPercent, float64(v.Used) / (1 << 20), nil
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one reading now. A failed reading keeps its previous value.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	m.mu.RLock()
	s := m.last
	m.mu.RUnlock()

	if c, err := m.cpu(ctx); err != nil {
		log.Debug().Err(err).Msg("cpu sample failed")
	} else {
		s.CPUPercent = c
	}
	if p, used, err := m.mem(ctx); err != nil {
		log.Debug().Err(err).Msg("memory sample failed")
	} else {
		s.MemPercent, s.MemUsedMB = p, used
	}
	s.Sampled = time.Now()

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
	return s
}

// Snapshot returns the latest sample. Zero before the first one.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
