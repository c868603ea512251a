package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/collabpulse/internal/admission"
	"github.com/pscheid92/collabpulse/internal/broadcast"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/pscheid92/collabpulse/internal/heartbeat"
	"github.com/pscheid92/collabpulse/internal/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// AdmissionRecorder receives every admission decision, accepted or not.
type AdmissionRecorder interface {
	RecordAdmission(domain.AdmissionDecision)
}

// MessageHandler receives inbound application messages from a registered connection.
type MessageHandler func(conn *registry.Connection, payload []byte)

// Service wires admission, registry, heartbeat and broadcast into the connection lifecycle.
type Service struct {
	registry    *registry.Registry
	admission   *admission.Controller
	monitor     *heartbeat.Monitor
	broadcaster *broadcast.Coordinator
	recorder    AdmissionRecorder
	onMessage   MessageHandler
	logger      zerolog.Logger

	snapshotGroup singleflight.Group
	stopOnce      sync.Once
}

// Option configures a Service.
type Option func(*Service)

func WithAdmissionRecorder(r AdmissionRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithMessageHandler(h MessageHandler) Option {
	return func(s *Service) { s.onMessage = h }
}

func NewService(reg *registry.Registry, ctrl *admission.Controller, monitor *heartbeat.Monitor, broadcaster *broadcast.Coordinator, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		registry:    reg,
		admission:   ctrl,
		monitor:     monitor,
		broadcaster: broadcaster,
		recorder:    nopRecorder{},
		logger:      logger.With().Str("component", "app").Logger(),
	}
	s.onMessage = s.logMessage
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect admits and registers a connection, then starts watching it.
// An empty candidateID is replaced by a generated one. A refused attempt returns the
// REJECT decision together with a *domain.AdmissionError; the caller still owns the transport.
func (s *Service) Connect(ctx context.Context, candidateID string, security domain.SecurityContext, transport domain.Transport) (domain.AdmissionDecision, error) {
	if candidateID == "" {
		candidateID = uuid.NewString()
	}

	decision := s.admission.Evaluate(ctx, candidateID, security.Origin(), security.Identity())
	if !decision.IsAccepted() {
		s.recorder.RecordAdmission(decision)
		return decision, decision.Err()
	}

	conn, err := s.registry.Register(candidateID, transport, security)
	if err != nil {
		reason := domain.ReasonFromError(err)
		if reason == domain.RejectNone {
			return decision, fmt.Errorf("failed to register connection: %w", err)
		}
		decision = domain.Rejected(candidateID, reason)
		s.recorder.RecordAdmission(decision)
		return decision, decision.Err()
	}
	s.recorder.RecordAdmission(decision)

	obs := &connObserver{service: s, conn: conn}
	conn.BindObserver(transport.Subscribe(obs))
	s.monitor.Watch(conn)

	s.logger.Debug().Ctx(ctx).
		Str("conn_id", candidateID).
		Str("identity", security.Identity()).
		Uint64("generation", conn.Generation()).
		Msg("Connection admitted")

	return decision, nil
}

// Broadcast fans req out to its targets. It never fails as a whole.
func (s *Service) Broadcast(ctx context.Context, req domain.BroadcastRequest) domain.BroadcastResult {
	return s.broadcaster.Broadcast(ctx, req)
}

// Disconnect tears down id on request. Returns false if id was not registered.
func (s *Service) Disconnect(id string) bool {
	return s.registry.Unregister(id, domain.DisconnectRequested)
}

// Connections returns a snapshot of every live connection. Concurrent callers share one snapshot.
func (s *Service) Connections() []registry.Stats {
	v, _, _ := s.snapshotGroup.Do("snapshot", func() (any, error) {
		return s.registry.Snapshot(), nil
	})
	return v.([]registry.Stats)
}

// Connection returns the stats of one live connection.
func (s *Service) Connection(id string) (registry.Stats, error) {
	conn, ok := s.registry.Get(id)
	if !ok {
		return registry.Stats{}, fmt.Errorf("connection %q: %w", id, domain.ErrNotConnected)
	}
	return conn.Stats(), nil
}

// ActiveConnections is the current registry size.
func (s *Service) ActiveConnections() int {
	return s.registry.Size()
}

// Stop closes every connection and waits for all heartbeat watchers to exit.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.registry.Close()
		s.monitor.Stop()
	})
}

func (s *Service) logMessage(conn *registry.Connection, payload []byte) {
	s.logger.Debug().Str("conn_id", conn.ID()).Int("bytes", len(payload)).Msg("Inbound message ignored")
}

// connObserver routes transport callbacks for one connection generation.
type connObserver struct {
	service *Service
	conn    *registry.Connection
}

func (o *connObserver) OnMessage(payload []byte) {
	if o.conn.IsOpen() {
		o.service.onMessage(o.conn, payload)
	}
}

func (o *connObserver) OnPong([]byte) {
	o.service.monitor.OnPong(o.conn.ID(), o.conn.Generation())
}

func (o *connObserver) OnError(err error) {
	o.conn.RecordError()
	if o.service.registry.UnregisterGeneration(o.conn.ID(), o.conn.Generation(), domain.DisconnectTransportError) {
		o.service.logger.Info().Err(err).Str("conn_id", o.conn.ID()).Msg("Connection dropped after transport error")
	}
}

func (o *connObserver) OnClose(code int, reason string) {
	if o.service.registry.UnregisterGeneration(o.conn.ID(), o.conn.Generation(), domain.DisconnectRemoteClose) {
		o.service.logger.Debug().
			Str("conn_id", o.conn.ID()).
			Int("code", code).
			Str("reason", reason).
			Msg("Connection closed by peer")
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordAdmission(domain.AdmissionDecision) {}
