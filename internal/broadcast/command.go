package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/collabpulse/internal/domain"
)

const (
	MaxTargets = 10000
	MaxRetries = 5
	MaxTimeout = time.Minute
)

var ErrInvalidCommand = errors.New("invalid broadcast command")

// Command is the wire form of a broadcast request, shared by the internal HTTP API and
// the NATS intake. Payload is forwarded to clients verbatim.
type Command struct {
	TargetIDs  []string        `json:"target_ids"`
	Payload    json.RawMessage `json:"payload"`
	TimeoutMS  int             `json:"timeout_ms,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
	Priority   string          `json:"priority,omitempty"`
}

// DecodeCommand parses and validates a JSON command.
func DecodeCommand(data []byte) (domain.BroadcastRequest, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return domain.BroadcastRequest{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return cmd.Request()
}

// Request validates the command and converts it. Zero timeout and priority fall back to the
// coordinator defaults. An empty target list is valid and yields an empty result.
func (c Command) Request() (domain.BroadcastRequest, error) {
	switch {
	case len(c.TargetIDs) > MaxTargets:
		return domain.BroadcastRequest{}, fmt.Errorf("%w: at most %d target_ids allowed", ErrInvalidCommand, MaxTargets)
	case len(c.Payload) == 0 || string(c.Payload) == "null":
		return domain.BroadcastRequest{}, fmt.Errorf("%w: payload is required", ErrInvalidCommand)
	case c.TimeoutMS < 0 || time.Duration(c.TimeoutMS)*time.Millisecond > MaxTimeout:
		return domain.BroadcastRequest{}, fmt.Errorf("%w: timeout_ms must be between 0 and %d", ErrInvalidCommand, MaxTimeout.Milliseconds())
	case c.RetryCount < 0 || c.RetryCount > MaxRetries:
		return domain.BroadcastRequest{}, fmt.Errorf("%w: retry_count must be between 0 and %d", ErrInvalidCommand, MaxRetries)
	}

	priority := domain.Priority(c.Priority)
	switch priority {
	case "", domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh:
	default:
		return domain.BroadcastRequest{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidCommand, c.Priority)
	}

	targets := c.TargetIDs
	if targets == nil {
		targets = []string{}
	}

	return domain.BroadcastRequest{
		TargetIDs: targets,
		Payload:   []byte(c.Payload),
		Options: domain.BroadcastOptions{
			Timeout:    time.Duration(c.TimeoutMS) * time.Millisecond,
			RetryCount: c.RetryCount,
			Priority:   priority,
		},
	}, nil
}

// Response is the wire form of a BroadcastResult.
type Response struct {
	Successful []string                  `json:"successful"`
	Failed     []domain.BroadcastFailure `json:"failed"`
	LatencyMS  float64                   `json:"latency_ms"`
	Priority   domain.Priority           `json:"priority"`
}

func NewResponse(r domain.BroadcastResult) Response {
	return Response{
		Successful: r.Successful,
		Failed:     r.Failed,
		LatencyMS:  float64(r.Latency.Microseconds()) / 1000,
		Priority:   r.Priority,
	}
}
