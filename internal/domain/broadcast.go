package domain

import "time"

// Priority is carried with a broadcast for observability. It does not order delivery.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// BroadcastOptions tune a single broadcast. Zero values fall back to configured defaults.
type BroadcastOptions struct {
	Timeout    time.Duration
	RetryCount int
	Priority   Priority
}

// BroadcastRequest fans one payload out to TargetIDs.
type BroadcastRequest struct {
	TargetIDs []string
	Payload   []byte
	Options   BroadcastOptions
}

// FailureReason classifies a per-target delivery failure.
type FailureReason string

const (
	FailureNotConnected  FailureReason = "not_connected"
	FailureTransportSend FailureReason = "transport_send_failure"
	FailureTimeout       FailureReason = "timeout"
)

// Transient reports whether a retry may succeed.
func (r FailureReason) Transient() bool {
	return r == FailureTransportSend || r == FailureTimeout
}

// BroadcastFailure records why one target was not delivered.
type BroadcastFailure struct {
	ID     string        `json:"id"`
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

// BroadcastResult accounts for every distinct target exactly once.
type BroadcastResult struct {
	Successful []string           `json:"successful"`
	Failed     []BroadcastFailure `json:"failed"`
	Latency    time.Duration      `json:"latency"`
	Priority   Priority           `json:"priority,omitempty"`
}

// Total is the number of targets accounted for.
func (r BroadcastResult) Total() int { return len(r.Successful) + len(r.Failed) }
