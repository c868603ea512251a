package nats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/collabpulse/internal/broadcast"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu       sync.Mutex
	requests []domain.BroadcastRequest
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, req domain.BroadcastRequest) domain.BroadcastResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return domain.BroadcastResult{
		Successful: req.TargetIDs[:1],
		Failed:     []domain.BroadcastFailure{{ID: "gone", Reason: domain.FailureNotConnected}},
		Priority:   domain.PriorityNormal,
	}
}

type published struct {
	subject string
	data    []byte
}

func newTestSubscriber(app Broadcaster) (*Subscriber, *[]published) {
	s := newSubscriber("collabpulse.broadcast", 2, app, prometheus.NewRegistry(), zerolog.Nop())
	var mu sync.Mutex
	var out []published
	s.publish = func(subject string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, published{subject, data})
		return nil
	}
	return s, &out
}

func TestSubscriber_HandlesCommand(t *testing.T) {
	app := &fakeBroadcaster{}
	s, replies := newTestSubscriber(app)

	s.handle(&nats.Msg{
		Subject: "collabpulse.broadcast",
		Data:    []byte(`{"target_ids":["a","gone"],"payload":{"type":"update"},"priority":"low"}`),
	})

	require.Len(t, app.requests, 1)
	assert.Equal(t, []string{"a", "gone"}, app.requests[0].TargetIDs)
	assert.Equal(t, domain.PriorityLow, app.requests[0].Options.Priority)
	assert.Empty(t, *replies, "fire-and-forget commands get no reply")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.events.WithLabelValues("handled")))
}

func TestSubscriber_RepliesWithResult(t *testing.T) {
	s, replies := newTestSubscriber(&fakeBroadcaster{})

	s.handle(&nats.Msg{
		Subject: "collabpulse.broadcast",
		Reply:   "_INBOX.abc",
		Data:    []byte(`{"target_ids":["a","gone"],"payload":1}`),
	})

	require.Len(t, *replies, 1)
	assert.Equal(t, "_INBOX.abc", (*replies)[0].subject)

	var resp broadcast.Response
	require.NoError(t, json.Unmarshal((*replies)[0].data, &resp))
	assert.Equal(t, []string{"a"}, resp.Successful)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, domain.FailureNotConnected, resp.Failed[0].Reason)
}

func TestSubscriber_InvalidCommandIsDropped(t *testing.T) {
	app := &fakeBroadcaster{}
	s, replies := newTestSubscriber(app)

	s.handle(&nats.Msg{Subject: "collabpulse.broadcast", Reply: "_INBOX.err", Data: []byte(`{"target_ids":["a"],"payload":1,"priority":"urgent"}`)})

	assert.Empty(t, app.requests)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.events.WithLabelValues("invalid")))
	require.Len(t, *replies, 1)
	assert.Contains(t, string((*replies)[0].data), "unknown priority")
}

func TestSubscriber_ReplyFailureIsLogged(t *testing.T) {
	s, _ := newTestSubscriber(&fakeBroadcaster{})
	s.publish = func(string, []byte) error { return errors.New("connection closed") }

	assert.NotPanics(t, func() {
		s.handle(&nats.Msg{Reply: "_INBOX.x", Data: []byte(`{"target_ids":["a"],"payload":1}`)})
	})
}

// gatedBroadcaster blocks broadcasts to "slow" until release is closed.
type gatedBroadcaster struct {
	release chan struct{}
	done    chan string
}

func (g *gatedBroadcaster) Broadcast(_ context.Context, req domain.BroadcastRequest) domain.BroadcastResult {
	if req.TargetIDs[0] == "slow" {
		<-g.release
	}
	g.done <- req.TargetIDs[0]
	return domain.BroadcastResult{Successful: req.TargetIDs}
}

func TestSubscriber_SlowCommandDoesNotBlockNext(t *testing.T) {
	app := &gatedBroadcaster{release: make(chan struct{}), done: make(chan string, 2)}
	s, _ := newTestSubscriber(app)

	s.dispatch(&nats.Msg{Data: []byte(`{"target_ids":["slow"],"payload":1}`)})
	s.dispatch(&nats.Msg{Data: []byte(`{"target_ids":["fast"],"payload":1}`)})

	select {
	case id := <-app.done:
		assert.Equal(t, "fast", id)
	case <-time.After(2 * time.Second):
		t.Fatal("second command waited for the first")
	}

	close(app.release)
	require.NoError(t, s.Close())
	assert.Equal(t, "slow", <-app.done)
	assert.Equal(t, 2.0, testutil.ToFloat64(s.events.WithLabelValues("handled")))
}

func TestSubscriber_HealthCheckWithoutConnection(t *testing.T) {
	s, _ := newTestSubscriber(&fakeBroadcaster{})

	assert.Error(t, s.HealthCheck(context.Background()))
	assert.NoError(t, s.Close())
}
