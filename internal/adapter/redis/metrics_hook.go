package redis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

// MetricsHook counts and times every Redis command and pipeline.
type MetricsHook struct {
	opsTotal     *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	dialFailures prometheus.Counter
}

var _ goredis.Hook = (*MetricsHook)(nil)

func NewMetricsHook(reg prometheus.Registerer) *MetricsHook {
	h := &MetricsHook{
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabpulse",
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis operations by command and status.",
		}, []string{"operation", "status"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "collabpulse",
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis operation latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"operation"}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabpulse",
			Subsystem: "redis",
			Name:      "dial_failures_total",
			Help:      "Failed Redis connection attempts.",
		}),
	}
	reg.MustRegister(h.opsTotal, h.opDuration, h.dialFailures)
	return h
}

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.dialFailures.Inc()
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), start, err)
		return err
	}
}

func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", start, err)
		return err
	}
}

func (h *MetricsHook) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, goredis.Nil) {
		status = "error"
	}
	h.opsTotal.WithLabelValues(operation, status).Inc()
	h.opDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
