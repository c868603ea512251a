package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var ErrCircuitOpen = errors.New("redis circuit breaker open")

// CircuitBreakerHook fails Redis commands fast while Redis is unhealthy.
// redis.Nil replies count as successes.
type CircuitBreakerHook struct {
	cb *gobreaker.CircuitBreaker

	state        *prometheus.GaugeVec
	stateChanges *prometheus.CounterVec
	logger       zerolog.Logger
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// DefaultBreakerSettings trips at a 60% failure rate over at least 5 requests in a 10s
// window, stays open for 30s, then lets 3 trial requests through.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}
}

func NewCircuitBreakerHook(settings gobreaker.Settings, reg prometheus.Registerer, logger zerolog.Logger) *CircuitBreakerHook {
	h := &CircuitBreakerHook{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "collabpulse",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabpulse",
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"name", "state"}),
		logger: logger.With().Str("component", "redis_breaker").Logger(),
	}
	reg.MustRegister(h.state, h.stateChanges)

	settings.OnStateChange = h.onStateChange
	h.cb = gobreaker.NewCircuitBreaker(settings)
	h.state.WithLabelValues(h.cb.Name()).Set(stateToFloat(gobreaker.StateClosed))
	return h
}

func (h *CircuitBreakerHook) onStateChange(name string, from, to gobreaker.State) {
	h.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	h.stateChanges.WithLabelValues(name, to.String()).Inc()
	h.state.WithLabelValues(name).Set(stateToFloat(to))
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := h.cb.Execute(func() (any, error) {
			return next(ctx, network, addr)
		})
		if err != nil {
			return nil, h.wrap(err)
		}
		return conn.(net.Conn), nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		var cmdErr error
		_, err := h.cb.Execute(func() (any, error) {
			cmdErr = next(ctx, cmd)
			if errors.Is(cmdErr, goredis.Nil) {
				return nil, nil
			}
			return nil, cmdErr
		})
		if err != nil {
			return h.wrap(err)
		}
		return cmdErr
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		var pipeErr error
		_, err := h.cb.Execute(func() (any, error) {
			pipeErr = next(ctx, cmds)
			if errors.Is(pipeErr, goredis.Nil) {
				return nil, nil
			}
			return nil, pipeErr
		})
		if err != nil {
			return h.wrap(err)
		}
		return pipeErr
	}
}

// wrap marks rejections by the breaker itself with ErrCircuitOpen; command errors pass through.
func (h *CircuitBreakerHook) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}

func (h *CircuitBreakerHook) State() gobreaker.State   { return h.cb.State() }
func (h *CircuitBreakerHook) Counts() gobreaker.Counts { return h.cb.Counts() }
