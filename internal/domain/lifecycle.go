package domain

import "time"

// ConnectEvent is emitted once per successful registration.
type ConnectEvent struct {
	ConnectionID string
	Identity     string
	Origin       string
	At           time.Time
}

// DisconnectSummary is emitted exactly once per unregistration.
type DisconnectSummary struct {
	ConnectionID     string
	Identity         string
	Reason           string
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
	MessageCount     uint64
	ErrorCount       uint64
	MissedHeartbeats int
}

// Duration is how long the connection was registered.
func (s DisconnectSummary) Duration() time.Duration {
	return s.DisconnectedAt.Sub(s.ConnectedAt)
}

// HeartbeatEvent is emitted on every pong and every missed ping.
type HeartbeatEvent struct {
	ConnectionID string
	Missed       bool
	RTT          time.Duration
}

// Disconnect reasons recorded in DisconnectSummary.
const (
	DisconnectHeartbeatTimeout = "heartbeat_timeout"
	DisconnectTransportError   = "transport_error"
	DisconnectRemoteClose      = "remote_close"
	DisconnectRequested        = "requested"
	DisconnectShutdown         = "shutdown"
)

// LifecycleRecorder receives connect and disconnect events. Implementations must not block.
type LifecycleRecorder interface {
	RecordConnect(event ConnectEvent)
	RecordDisconnect(summary DisconnectSummary)
}
