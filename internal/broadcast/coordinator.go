package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/pscheid92/collabpulse/internal/platform/retry"
	"github.com/pscheid92/collabpulse/internal/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 5 * time.Second

	retryInitialBackoff = 10 * time.Millisecond
	retryMaxBackoff     = 250 * time.Millisecond
)

var (
	errConnectionClosed = errors.New("connection closed during send")
	errSendPanicked     = errors.New("transport send panicked")
)

// Lookup resolves a connection id to the live connection.
type Lookup interface {
	Get(id string) (*registry.Connection, bool)
}

// Recorder receives one result per Broadcast call.
type Recorder interface {
	RecordBroadcast(domain.BroadcastResult)
}

type Coordinator struct {
	connections    Lookup
	clock          clockwork.Clock
	recorder       Recorder
	logger         zerolog.Logger
	defaultTimeout time.Duration
	maxConcurrency int
	retryPolicy    retry.Policy
}

type Option func(*Coordinator)

// WithDefaultTimeout sets the per-target deadline used when a request carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithMaxConcurrency caps in-flight sends per Broadcast call. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(c *Coordinator) { c.maxConcurrency = n }
}

// WithRecorder sets the sink for broadcast results.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithRetryBackoff(initial, max time.Duration) Option {
	return func(c *Coordinator) {
		c.retryPolicy.InitialBackoff = initial
		c.retryPolicy.MaxBackoff = max
	}
}

func NewCoordinator(connections Lookup, clock clockwork.Clock, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		connections:    connections,
		clock:          clock,
		recorder:       nopRecorder{},
		logger:         logger.With().Str("component", "broadcast").Logger(),
		defaultTimeout: DefaultTimeout,
		retryPolicy: retry.Policy{
			InitialBackoff: retryInitialBackoff,
			MaxBackoff:     retryMaxBackoff,
			Jitter:         0.2,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Broadcast delivers req.Payload to every distinct target and waits for all of them.
// Duplicate ids are collapsed; the result lists targets in first-seen order.
func (c *Coordinator) Broadcast(ctx context.Context, req domain.BroadcastRequest) domain.BroadcastResult {
	start := c.clock.Now()

	priority := req.Options.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	timeout := req.Options.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	retries := max(req.Options.RetryCount, 0)

	targets := distinct(req.TargetIDs)
	failures := make([]*domain.BroadcastFailure, len(targets))

	var g errgroup.Group
	if c.maxConcurrency > 0 {
		g.SetLimit(c.maxConcurrency)
	}
	for i, id := range targets {
		g.Go(func() error {
			failures[i] = c.deliver(ctx, id, req.Payload, timeout, retries)
			return nil
		})
	}
	_ = g.Wait()

	result := domain.BroadcastResult{
		Successful: make([]string, 0, len(targets)),
		Failed:     make([]domain.BroadcastFailure, 0),
		Priority:   priority,
	}
	for i, id := range targets {
		if failures[i] == nil {
			result.Successful = append(result.Successful, id)
			continue
		}
		result.Failed = append(result.Failed, *failures[i])
	}
	result.Latency = c.clock.Since(start)

	c.recorder.RecordBroadcast(result)
	if len(result.Failed) > 0 {
		c.logger.Debug().
			Int("targets", len(targets)).
			Int("failed", len(result.Failed)).
			Str("priority", string(priority)).
			Dur("latency", result.Latency).
			Msg("Broadcast completed with failures")
	}
	return result
}

// deliver returns nil on success. The timeout bounds every attempt including retry waits.
func (c *Coordinator) deliver(ctx context.Context, id string, payload []byte, timeout time.Duration, retries int) *domain.BroadcastFailure {
	conn, ok := c.connections.Get(id)
	if !ok || !conn.IsOpen() {
		return &domain.BroadcastFailure{ID: id, Reason: domain.FailureNotConnected}
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	policy := c.retryPolicy
	policy.MaxAttempts = retries + 1
	err := retry.DoVoid(sendCtx, policy, classifySend, func() error {
		if !conn.IsOpen() {
			lastErr = errConnectionClosed
			return lastErr
		}
		lastErr = send(sendCtx, conn, payload)
		return lastErr
	})
	if err == nil {
		conn.RecordMessage()
		return nil
	}

	reason := failureReason(err)
	// A deadline that expires while waiting between attempts reports the last attempt's error.
	if reason == domain.FailureTimeout && lastErr != nil && failureReason(lastErr) == domain.FailureTransportSend {
		reason, err = domain.FailureTransportSend, lastErr
	}
	if reason == domain.FailureTransportSend {
		conn.RecordError()
	}
	return &domain.BroadcastFailure{ID: id, Reason: reason, Detail: err.Error()}
}

// send runs one transport write. It returns as soon as the write finishes, the deadline
// passes, or the connection is torn down, whichever comes first.
func send(ctx context.Context, conn *registry.Connection, payload []byte) error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", errSendPanicked, r)
			}
		}()
		result <- conn.Transport().Send(ctx, payload)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-conn.Done():
		return errConnectionClosed
	}
}

func classifySend(err error) retry.Action {
	if failureReason(err) == domain.FailureNotConnected {
		return retry.Stop
	}
	return retry.Retry
}

func failureReason(err error) domain.FailureReason {
	switch {
	case errors.Is(err, errConnectionClosed):
		return domain.FailureNotConnected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.FailureTimeout
	default:
		return domain.FailureTransportSend
	}
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) RecordBroadcast(domain.BroadcastResult) {}
