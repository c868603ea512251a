package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pscheid92/collabpulse/internal/domain"
)

// State is the lifecycle state of a registered connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one registered duplex connection. Identity fields are immutable after Register;
// counters are mutated by the heartbeat monitor and the broadcast coordinator.
type Connection struct {
	id          string
	generation  uint64
	transport   domain.Transport
	security    domain.SecurityContext
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            State
	unsubscribe      func()
	lastHeartbeatAt  time.Time
	missedHeartbeats int
	messageCount     uint64
	errorCount       uint64
	latencies        *latencyRing
}

// Stats is a point-in-time copy of a connection's state and counters.
type Stats struct {
	ID               string          `json:"id"`
	Identity         string          `json:"identity"`
	Origin           string          `json:"origin"`
	State            string          `json:"state"`
	ConnectedAt      time.Time       `json:"connected_at"`
	LastHeartbeatAt  time.Time       `json:"last_heartbeat_at"`
	MissedHeartbeats int             `json:"missed_heartbeats"`
	MessageCount     uint64          `json:"message_count"`
	ErrorCount       uint64          `json:"error_count"`
	Latencies        []time.Duration `json:"latencies"`
	MeanLatency      time.Duration   `json:"mean_latency"`
}

func (c *Connection) ID() string                       { return c.id }
func (c *Connection) Generation() uint64               { return c.generation }
func (c *Connection) Transport() domain.Transport      { return c.transport }
func (c *Connection) Security() domain.SecurityContext { return c.security }
func (c *Connection) ConnectedAt() time.Time           { return c.connectedAt }

// Context is cancelled the moment the connection is unregistered.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed the moment the connection is unregistered.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// BindObserver stores the transport unsubscribe func so teardown can release it.
// If the connection is already being torn down the func is invoked immediately.
func (c *Connection) BindObserver(unsubscribe func()) {
	c.mu.Lock()
	if c.state == StateOpen {
		c.unsubscribe = unsubscribe
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	unsubscribe()
}

// RecordMessage counts one confirmed outbound delivery.
func (c *Connection) RecordMessage() {
	c.mu.Lock()
	c.messageCount++
	c.mu.Unlock()
}

// RecordError counts one transport failure.
func (c *Connection) RecordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

// RecordPong resets the missed counter and, when rtt > 0, stores a latency sample.
func (c *Connection) RecordPong(at time.Time, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedHeartbeats = 0
	c.lastHeartbeatAt = at
	if rtt > 0 {
		c.latencies.add(rtt)
	}
}

// RecordMissedHeartbeat increments and returns the consecutive missed count.
func (c *Connection) RecordMissedHeartbeat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedHeartbeats++
	return c.missedHeartbeats
}

func (c *Connection) MissedHeartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missedHeartbeats
}

func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ID:               c.id,
		Identity:         c.security.Identity(),
		Origin:           c.security.Origin(),
		State:            c.state.String(),
		ConnectedAt:      c.connectedAt,
		LastHeartbeatAt:  c.lastHeartbeatAt,
		MissedHeartbeats: c.missedHeartbeats,
		MessageCount:     c.messageCount,
		ErrorCount:       c.errorCount,
		Latencies:        c.latencies.values(),
		MeanLatency:      c.latencies.mean(),
	}
}

// beginClose moves OPEN to CLOSING and hands back the observer release func.
func (c *Connection) beginClose() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosing
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	return unsubscribe
}

func (c *Connection) finishClose(reason string, at time.Time) domain.DisconnectSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	return domain.DisconnectSummary{
		ConnectionID:     c.id,
		Identity:         c.security.Identity(),
		Reason:           reason,
		ConnectedAt:      c.connectedAt,
		DisconnectedAt:   at,
		MessageCount:     c.messageCount,
		ErrorCount:       c.errorCount,
		MissedHeartbeats: c.missedHeartbeats,
	}
}
