package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/pscheid92/collabpulse/internal/platform/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRecorder struct {
	mu          sync.Mutex
	connects    []domain.ConnectEvent
	disconnects []domain.DisconnectSummary
}

func (r *recordingRecorder) RecordConnect(e domain.ConnectEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, e)
}

func (r *recordingRecorder) RecordDisconnect(s domain.DisconnectSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, s)
}

func (r *recordingRecorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func testSecurity(t *testing.T, identity string) domain.SecurityContext {
	t.Helper()
	sec, err := domain.NewSecurityContext(identity, []string{"read"}, "https://app.example.com")
	require.NoError(t, err)
	return sec
}

func newTestRegistry(max int) (*Registry, *recordingRecorder, *clockwork.FakeClock) {
	rec := &recordingRecorder{}
	clock := clockwork.NewFakeClock()
	return New(max, clock, zerolog.Nop(), WithRecorder(rec)), rec, clock
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg, rec, _ := newTestRegistry(10)

	conn, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, StateOpen, got.State())
	assert.Equal(t, "alice", got.Security().Identity())
	assert.Equal(t, 1, reg.Size())
	require.Len(t, rec.connects, 1)
	assert.Equal(t, "a", rec.connects[0].ConnectionID)
}

func TestRegistry_DuplicateID(t *testing.T) {
	reg, _, _ := newTestRegistry(10)

	_, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)

	_, err = reg.Register("a", transporttest.New(), testSecurity(t, "bob"))
	require.ErrorIs(t, err, domain.ErrDuplicateID)
	assert.Equal(t, 1, reg.Size())
}

func TestRegistry_CapacityInvariant(t *testing.T) {
	reg, _, _ := newTestRegistry(2)

	_, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)
	_, err = reg.Register("b", transporttest.New(), testSecurity(t, "bob"))
	require.NoError(t, err)

	_, err = reg.Register("c", transporttest.New(), testSecurity(t, "carol"))
	require.ErrorIs(t, err, domain.ErrCapacity)

	reg.Unregister("a", domain.DisconnectRequested)
	_, err = reg.Register("c", transporttest.New(), testSecurity(t, "carol"))
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Size())
}

func TestRegistry_ConcurrentRegisterNeverExceedsCapacity(t *testing.T) {
	reg, _, _ := newTestRegistry(50)
	var accepted atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if _, err := reg.Register(fmt.Sprintf("conn-%d", i), transporttest.New(), domain.SecurityContext{}); err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(50), accepted.Load())
	assert.Equal(t, 50, reg.Size())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	reg, rec, _ := newTestRegistry(10)
	fake := transporttest.New()

	conn, err := reg.Register("a", fake, testSecurity(t, "alice"))
	require.NoError(t, err)

	assert.True(t, reg.Unregister("a", domain.DisconnectRequested))
	assert.False(t, reg.Unregister("a", domain.DisconnectRequested))
	assert.False(t, reg.Unregister("never-registered", domain.DisconnectRequested))

	assert.Equal(t, 1, rec.disconnectCount(), "second unregister must not emit an event")
	assert.Len(t, fake.Closes(), 1, "transport must be closed exactly once")
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, reg.Size())
}

func TestRegistry_UnregisterCancelsContextAndObserver(t *testing.T) {
	reg, _, _ := newTestRegistry(10)
	fake := transporttest.New()

	conn, err := reg.Register("a", fake, testSecurity(t, "alice"))
	require.NoError(t, err)

	released := false
	conn.BindObserver(func() { released = true })

	reg.Unregister("a", domain.DisconnectHeartbeatTimeout)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection context should be cancelled by unregister")
	}
	assert.True(t, released)
	require.Len(t, fake.Closes(), 1)
	assert.Equal(t, domain.ClosePolicyViolated, fake.Closes()[0].Code)
}

func TestRegistry_BindObserverAfterTeardownReleasesImmediately(t *testing.T) {
	reg, _, _ := newTestRegistry(10)

	conn, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)
	reg.Unregister("a", domain.DisconnectRequested)

	released := false
	conn.BindObserver(func() { released = true })
	assert.True(t, released)
}

func TestRegistry_UnregisterGenerationIgnoresStaleGeneration(t *testing.T) {
	reg, rec, _ := newTestRegistry(10)

	first, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)
	reg.Unregister("a", domain.DisconnectRequested)

	second, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)
	require.NotEqual(t, first.Generation(), second.Generation())

	assert.False(t, reg.UnregisterGeneration("a", first.Generation(), domain.DisconnectHeartbeatTimeout))
	assert.True(t, second.IsOpen())
	assert.Equal(t, 1, rec.disconnectCount())

	assert.True(t, reg.UnregisterGeneration("a", second.Generation(), domain.DisconnectHeartbeatTimeout))
	assert.Equal(t, 2, rec.disconnectCount())
}

func TestRegistry_DisconnectSummary(t *testing.T) {
	reg, rec, clock := newTestRegistry(10)

	conn, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)
	conn.RecordMessage()
	conn.RecordMessage()
	conn.RecordError()
	conn.RecordMissedHeartbeat()

	clock.Advance(90 * time.Second)
	reg.Unregister("a", domain.DisconnectRemoteClose)

	require.Len(t, rec.disconnects, 1)
	s := rec.disconnects[0]
	assert.Equal(t, "alice", s.Identity)
	assert.Equal(t, domain.DisconnectRemoteClose, s.Reason)
	assert.Equal(t, uint64(2), s.MessageCount)
	assert.Equal(t, uint64(1), s.ErrorCount)
	assert.Equal(t, 1, s.MissedHeartbeats)
	assert.Equal(t, 90*time.Second, s.Duration())
}

func TestRegistry_Snapshot(t *testing.T) {
	reg, _, clock := newTestRegistry(10)

	a, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)
	_, err = reg.Register("b", transporttest.New(), testSecurity(t, "bob"))
	require.NoError(t, err)

	a.RecordPong(clock.Now(), 20*time.Millisecond)
	a.RecordPong(clock.Now(), 40*time.Millisecond)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)

	byID := map[string]Stats{}
	for _, s := range snap {
		byID[s.ID] = s
	}
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, byID["a"].Latencies)
	assert.Equal(t, 30*time.Millisecond, byID["a"].MeanLatency)
	assert.Equal(t, "open", byID["b"].State)
}

func TestRegistry_SnapshotDuringConcurrentMutation(t *testing.T) {
	reg, _, _ := newTestRegistry(1000)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				conn, err := reg.Register(id, transporttest.New(), domain.SecurityContext{})
				if err == nil {
					conn.RecordMessage()
					reg.Unregister(id, domain.DisconnectRequested)
				}
			}
		}(w)
	}

	for i := 0; i < 50; i++ {
		snap := reg.Snapshot()
		assert.LessOrEqual(t, len(snap), reg.Capacity())
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Size())
}

func TestRegistry_Close(t *testing.T) {
	reg, rec, _ := newTestRegistry(10)
	fakes := []*transporttest.Fake{transporttest.New(), transporttest.New()}

	for i, f := range fakes {
		_, err := reg.Register(fmt.Sprintf("c%d", i), f, testSecurity(t, "alice"))
		require.NoError(t, err)
	}

	reg.Close()

	assert.Equal(t, 0, reg.Size())
	assert.Equal(t, 2, rec.disconnectCount())
	for _, f := range fakes {
		require.Len(t, f.Closes(), 1)
		assert.Equal(t, domain.CloseGoingAway, f.Closes()[0].Code)
	}

	_, err := reg.Register("late", transporttest.New(), testSecurity(t, "alice"))
	require.ErrorIs(t, err, domain.ErrCapacity)
}

func TestRegistry_HealthCheck(t *testing.T) {
	reg, _, _ := newTestRegistry(1)
	ctx := context.Background()
	require.NoError(t, reg.HealthCheck(ctx))

	_, err := reg.Register("a", transporttest.New(), testSecurity(t, "alice"))
	require.NoError(t, err)
	assert.ErrorContains(t, reg.HealthCheck(ctx), "at capacity (1/1)")

	reg.Unregister("a", domain.DisconnectRemoteClose)
	require.NoError(t, reg.HealthCheck(ctx))

	reg.Close()
	assert.ErrorContains(t, reg.HealthCheck(ctx), "closed")
}

func TestLatencyRing_KeepsMostRecent(t *testing.T) {
	ring := newLatencyRing(3)
	for i := 1; i <= 5; i++ {
		ring.add(time.Duration(i) * time.Millisecond)
	}

	assert.Equal(t, []time.Duration{3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}, ring.values())
	assert.Equal(t, 4*time.Millisecond, ring.mean())
}

func TestLatencyRing_Empty(t *testing.T) {
	ring := newLatencyRing(0)
	assert.Empty(t, ring.values())
	assert.Equal(t, time.Duration(0), ring.mean())
	assert.Len(t, ring.samples, defaultLatencySamples)
}
