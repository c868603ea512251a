package httpserver

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/collabpulse/internal/adapter/websocket"
	"github.com/pscheid92/collabpulse/internal/coordination"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/pscheid92/collabpulse/internal/platform/config"
	"github.com/pscheid92/collabpulse/internal/registry"
	"github.com/rs/zerolog"
)

type mockAppService struct {
	mu         sync.Mutex
	connectFn  func(ctx context.Context, candidateID string, security domain.SecurityContext) (domain.AdmissionDecision, error)
	broadcasts []domain.BroadcastRequest
	result     domain.BroadcastResult
	conns      map[string]registry.Stats
	dropped    []string
	transports []domain.Transport
}

func (m *mockAppService) Connect(ctx context.Context, candidateID string, security domain.SecurityContext, transport domain.Transport) (domain.AdmissionDecision, error) {
	m.mu.Lock()
	m.transports = append(m.transports, transport)
	fn := m.connectFn
	m.mu.Unlock()

	if fn == nil {
		return domain.Accepted(candidateID), nil
	}
	return fn(ctx, candidateID, security)
}

func (m *mockAppService) Broadcast(_ context.Context, req domain.BroadcastRequest) domain.BroadcastResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, req)
	return m.result
}

func (m *mockAppService) Disconnect(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return false
	}
	delete(m.conns, id)
	m.dropped = append(m.dropped, id)
	return true
}

func (m *mockAppService) Connections() []registry.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Stats, 0, len(m.conns))
	for _, s := range m.conns {
		out = append(out, s)
	}
	return out
}

func (m *mockAppService) Connection(id string) (registry.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.conns[id]
	if !ok {
		return registry.Stats{}, fmt.Errorf("connection %q: %w", id, domain.ErrNotConnected)
	}
	return s, nil
}

func (m *mockAppService) transportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transports)
}

type mockInstances struct {
	instances []coordination.InstanceInfo
	err       error
}

func (m *mockInstances) Instances(context.Context) ([]coordination.InstanceInfo, error) {
	return m.instances, m.err
}

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		InternalAPIRate:  1000,
		InternalAPIBurst: 1000,
	}
}

func newTestServer(t *testing.T, app appService, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithClock(clockwork.NewFakeClock())}, opts...)
	return NewServer(testConfig(), app, prometheus.NewRegistry(), websocket.NewUpgrader(), zerolog.Nop(), opts...)
}

