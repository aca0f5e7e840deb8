package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"
)

// Sample is one process resource reading.
type Sample struct {
	Host       string
	CPUPct     float64
	MemMB      float64
	Goroutines int
}

// Sampler derives CPU percentage from the process collector's cumulative CPU
// seconds between consecutive calls. Where the process collector is not
// supported the CPU reading stays 0.
type Sampler struct {
	m    *Metrics
	host string
	now  func() time.Time

	mu      sync.Mutex
	lastCPU float64
	lastAt  time.Time
}

// NewSampler creates a Sampler over m's registry.
func NewSampler(m *Metrics) *Sampler {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Sampler{m: m, host: host, now: time.Now}
}

// Sample reads the current heap size, goroutine count and CPU use.
func (s *Sampler) Sample() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	out := Sample{
		Host:       s.host,
		MemMB:      float64(ms.HeapAlloc) / (1 << 20),
		Goroutines: runtime.NumGoroutine(),
	}

	cpu, ok := s.cpuSeconds()
	if !ok {
		return out
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastAt.IsZero() {
		if wall := now.Sub(s.lastAt).Seconds(); wall > 0 {
			out.CPUPct = (cpu - s.lastCPU) / wall * 100
		}
	}
	s.lastCPU, s.lastAt = cpu, now
	return out
}

func (s *Sampler) cpuSeconds() (float64, bool) {
	if s.m == nil {
		return 0, false
	}
	families, err := s.m.reg.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != "process_cpu_seconds_total" {
			continue
		}
		if ms := mf.GetMetric(); len(ms) > 0 {
			return ms[0].GetCounter().GetValue(), true
		}
	}
	return 0, false
}
