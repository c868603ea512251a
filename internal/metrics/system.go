package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically exports host CPU, host memory and process RSS, the inputs an
// operator needs when sizing MaxConnections for an instance.
type SystemSampler struct {
	clock    clockwork.Clock
	interval time.Duration
	logger   zerolog.Logger
	proc     *process.Process

	cpuPercent prometheus.Gauge
	memPercent prometheus.Gauge
	rssBytes   prometheus.Gauge
	goroutines prometheus.Gauge
}

func NewSystemSampler(reg prometheus.Registerer, clock clockwork.Clock, interval time.Duration, logger zerolog.Logger) *SystemSampler {
	s := &SystemSampler{
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("component", "system_sampler").Logger(),

		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "cpu_percent",
			Help:      "Host CPU utilisation in percent.",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_used_percent",
			Help:      "Host memory in use, in percent.",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "process_rss_bytes",
			Help:      "Resident set size of this process.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines, sampled with the host metrics.",
		}),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		s.logger.Warn().Err(err).Msg("Process metrics unavailable")
	}

	reg.MustRegister(s.cpuPercent, s.memPercent, s.rssBytes, s.goroutines)
	return s
}

// Run samples until ctx is cancelled.
func (s *SystemSampler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Sample(ctx)
		}
	}
}

// Sample reads every source once. Unavailable sources keep their previous value.
func (s *SystemSampler) Sample(ctx context.Context) {
	s.goroutines.Set(float64(runtime.NumGoroutine()))

	// Interval 0 compares against the previous call instead of blocking.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.cpuPercent.Set(pct[0])
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.memPercent.Set(vm.UsedPercent)
	} else {
		s.logger.Debug().Err(err).Msg("Memory sample failed")
	}

	if s.proc != nil {
		if info, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
			s.rssBytes.Set(float64(info.RSS))
		}
	}
}
