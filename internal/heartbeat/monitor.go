package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/pscheid92/collabpulse/internal/registry"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultThreshold = 3
)

// Unregisterer removes a connection only if it still has the given generation.
type Unregisterer interface {
	UnregisterGeneration(id string, generation uint64, reason string) bool
}

// Recorder receives one event per pong and per missed ping.
type Recorder interface {
	RecordHeartbeat(domain.HeartbeatEvent)
}

type pingState int

const (
	stateHealthy pingState = iota
	stateAwaiting
)

type watcher struct {
	conn *registry.Connection

	mu         sync.Mutex
	state      pingState
	pingSentAt time.Time
}

// Monitor owns one watcher goroutine per connection. Create with New, release with Stop.
type Monitor struct {
	clock     clockwork.Clock
	interval  time.Duration
	threshold int
	registry  Unregisterer
	recorder  Recorder
	logger    zerolog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(clock clockwork.Clock, interval time.Duration, threshold int, reg Unregisterer, recorder Recorder, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Monitor{
		clock:     clock,
		interval:  interval,
		threshold: threshold,
		registry:  reg,
		recorder:  recorder,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
		watchers:  make(map[string]*watcher),
		stopCh:    make(chan struct{}),
	}
}

// Watch starts pinging conn. The first ping goes out immediately.
func (m *Monitor) Watch(conn *registry.Connection) {
	select {
	case <-m.stopCh:
		return
	default:
	}

	w := m.track(conn)
	m.wg.Add(1)
	go m.run(w)
}

// OnPong feeds a pong from the transport into the watcher for (id, generation).
// Pongs for unknown or stale connections are ignored.
func (m *Monitor) OnPong(id string, generation uint64) {
	m.mu.Lock()
	w, ok := m.watchers[id]
	m.mu.Unlock()
	if !ok || w.conn.Generation() != generation {
		return
	}

	now := m.clock.Now()
	var rtt time.Duration

	w.mu.Lock()
	if w.state == stateAwaiting {
		rtt = now.Sub(w.pingSentAt)
		w.state = stateHealthy
	}
	w.conn.RecordPong(now, rtt)
	w.mu.Unlock()

	m.recorder.RecordHeartbeat(domain.HeartbeatEvent{ConnectionID: id, RTT: rtt})
}

// Watching returns the number of connections currently pinged.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Stop halts every watcher and waits for them to exit. It does not unregister connections.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) track(conn *registry.Connection) *watcher {
	w := &watcher{conn: conn}
	m.mu.Lock()
	m.watchers[conn.ID()] = w
	m.mu.Unlock()
	return w
}

func (m *Monitor) forget(w *watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchers[w.conn.ID()] == w {
		delete(m.watchers, w.conn.ID())
	}
}

func (m *Monitor) run(w *watcher) {
	defer m.wg.Done()
	defer m.forget(w)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	if !m.tick(w) {
		return
	}
	for {
		select {
		case <-w.conn.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			if !m.tick(w) {
				return
			}
		}
	}
}

// tick runs one interval of the state machine and reports whether watching continues.
// The awaiting->missed transition and the counter update happen under w.mu, the same lock
// OnPong holds while resetting, so a pong can never be overwritten by a stale miss.
func (m *Monitor) tick(w *watcher) bool {
	conn := w.conn
	select {
	case <-conn.Done():
		return false
	default:
	}

	w.mu.Lock()
	missed := 0
	if w.state == stateAwaiting {
		missed = conn.RecordMissedHeartbeat()
	}
	w.state = stateAwaiting
	w.pingSentAt = m.clock.Now()
	w.mu.Unlock()

	if missed > 0 && m.miss(w, missed) {
		return false
	}

	ctx, cancel := context.WithTimeout(conn.Context(), m.interval)
	err := conn.Transport().Ping(ctx, nil)
	cancel()
	if err == nil {
		return true
	}

	select {
	case <-conn.Done():
		return false
	default:
	}

	m.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("Heartbeat ping failed")
	conn.RecordError()

	// The failed ping is the miss for this interval; the next tick must not count it again.
	w.mu.Lock()
	w.state = stateHealthy
	missed = conn.RecordMissedHeartbeat()
	w.mu.Unlock()
	return !m.miss(w, missed)
}

// miss reports one missed heartbeat and drops the connection once missed reaches the threshold.
// It returns true if the connection was dropped.
func (m *Monitor) miss(w *watcher, missed int) bool {
	conn := w.conn
	m.recorder.RecordHeartbeat(domain.HeartbeatEvent{ConnectionID: conn.ID(), Missed: true})

	if missed < m.threshold {
		return false
	}

	if m.registry.UnregisterGeneration(conn.ID(), conn.Generation(), domain.DisconnectHeartbeatTimeout) {
		m.logger.Info().
			Str("conn_id", conn.ID()).
			Int("missed", missed).
			Dur("interval", m.interval).
			Msg("Connection dropped after missed heartbeats")
	}
	return true
}

type nopRecorder struct{}

func (nopRecorder) RecordHeartbeat(domain.HeartbeatEvent) {}
