package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/rs/zerolog"
)

// Registry is the owned, injectable connection map. Create with New, release with Close.
type Registry struct {
	mu             sync.RWMutex
	connections    map[string]*Connection
	maxConnections int
	latencySamples int
	generation     atomic.Uint64
	closed         bool

	clock    clockwork.Clock
	recorder domain.LifecycleRecorder
	logger   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecorder sets the sink for connect/disconnect events.
func WithRecorder(recorder domain.LifecycleRecorder) Option {
	return func(r *Registry) { r.recorder = recorder }
}

// WithLatencySamples overrides the per-connection latency ring size (default 50).
func WithLatencySamples(n int) Option {
	return func(r *Registry) { r.latencySamples = n }
}

// New creates a registry holding at most maxConnections connections.
func New(maxConnections int, clock clockwork.Clock, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		connections:    make(map[string]*Connection),
		maxConnections: maxConnections,
		latencySamples: defaultLatencySamples,
		clock:          clock,
		recorder:       nopRecorder{},
		logger:         logger.With().Str("component", "registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a connection. It fails with domain.ErrDuplicateID if id is live and with
// domain.ErrCapacity if the registry is full; callers resolve id collisions upstream.
func (r *Registry) Register(id string, transport domain.Transport, security domain.SecurityContext) (*Connection, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("register %q: %w", id, domain.ErrCapacity)
	}
	if _, exists := r.connections[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("register %q: %w", id, domain.ErrDuplicateID)
	}
	if len(r.connections) >= r.maxConnections {
		r.mu.Unlock()
		return nil, fmt.Errorf("register %q: %w", id, domain.ErrCapacity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		id:          id,
		generation:  r.generation.Add(1),
		transport:   transport,
		security:    security,
		connectedAt: r.clock.Now(),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateOpen,
		latencies:   newLatencyRing(r.latencySamples),
	}
	conn.lastHeartbeatAt = conn.connectedAt
	r.connections[id] = conn
	size := len(r.connections)
	r.mu.Unlock()

	r.recorder.RecordConnect(domain.ConnectEvent{
		ConnectionID: id,
		Identity:     security.Identity(),
		Origin:       security.Origin(),
		At:           conn.connectedAt,
	})
	r.logger.Debug().Str("conn_id", id).Str("identity", security.Identity()).Int("size", size).Msg("Connection registered")

	return conn, nil
}

// Unregister removes id and tears the connection down. Absent ids are a no-op.
// Returns true only for the call that actually removed the connection.
func (r *Registry) Unregister(id, reason string) bool {
	r.mu.Lock()
	conn, exists := r.connections[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, id)
	r.mu.Unlock()

	r.teardown(conn, reason)
	return true
}

// UnregisterGeneration removes id only if the live connection still has the given generation.
// Timer and transport callbacks use it so they never tear down a newer connection reusing the id.
func (r *Registry) UnregisterGeneration(id string, generation uint64, reason string) bool {
	r.mu.Lock()
	conn, exists := r.connections[id]
	if !exists || conn.generation != generation {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, id)
	r.mu.Unlock()

	r.teardown(conn, reason)
	return true
}

func (r *Registry) teardown(conn *Connection, reason string) {
	unsubscribe := conn.beginClose()
	conn.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}

	if err := closeTransport(conn.transport, closeCodeFor(reason), reason); err != nil {
		r.logger.Debug().Err(err).Str("conn_id", conn.id).Msg("Transport close failed")
	}

	summary := conn.finishClose(reason, r.clock.Now())
	r.recorder.RecordDisconnect(summary)
	r.logger.Debug().
		Str("conn_id", conn.id).
		Str("reason", reason).
		Dur("duration", summary.Duration()).
		Msg("Connection unregistered")
}

// closeTransport contains panics from misbehaving transports to this connection.
func closeTransport(t domain.Transport, code int, reason string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transport close panicked: %v", rec)
		}
	}()
	return t.Close(code, reason)
}

func closeCodeFor(reason string) int {
	switch reason {
	case domain.DisconnectShutdown:
		return domain.CloseGoingAway
	case domain.DisconnectHeartbeatTimeout:
		return domain.ClosePolicyViolated
	case domain.DisconnectTransportError:
		return domain.CloseInternalError
	default:
		return domain.CloseNormal
	}
}

// Get returns the live connection for id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) Capacity() int {
	return r.maxConnections
}

// HealthCheck fails once the registry is closed or has no free slot for a new connection.
func (r *Registry) HealthCheck(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.New("registry is closed")
	}
	if len(r.connections) >= r.maxConnections {
		return fmt.Errorf("registry at capacity (%d/%d)", len(r.connections), r.maxConnections)
	}
	return nil
}

// Snapshot copies membership under a short read lock, then reads each connection's stats
// under that connection's own mutex.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	return out
}

// Close unregisters every connection and refuses further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0, len(r.connections))
	for id, c := range r.connections {
		conns = append(conns, c)
		delete(r.connections, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.teardown(c, domain.DisconnectShutdown)
	}
	r.logger.Info().Int("disconnected", len(conns)).Msg("Registry closed")
}

type nopRecorder struct{}

func (nopRecorder) RecordConnect(domain.ConnectEvent)       {}
func (nopRecorder) RecordDisconnect(domain.DisconnectSummary) {}
