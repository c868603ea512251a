package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/collabpulse/internal/broadcast"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 8

// Broadcaster is the application entry point the subscriber feeds.
type Broadcaster interface {
	Broadcast(ctx context.Context, req domain.BroadcastRequest) domain.BroadcastResult
}

// Config controls the NATS connection.
type Config struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	// Workers bounds how many commands are broadcast at once (default 8).
	Workers int
}

// Subscriber receives broadcast commands published by the domain services and fans them
// out locally. Every instance subscribes without a queue group because each one owns a
// disjoint set of connections.
//
// Commands run on a bounded worker pool, so a slow broadcast does not hold up the ones
// behind it. When every worker is busy the NATS callback blocks and further messages
// queue in the client's pending buffer. Commands may complete out of arrival order.
type Subscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	app     Broadcaster
	publish func(subject string, data []byte) error
	workers *errgroup.Group
	closed  chan struct{}
	events  *prometheus.CounterVec
	logger  zerolog.Logger
}

// Connect dials NATS. The connection reconnects forever; state changes are logged.
func Connect(cfg Config, app Broadcaster, reg prometheus.Registerer, logger zerolog.Logger) (*Subscriber, error) {
	s := newSubscriber(cfg.Subject, cfg.Workers, app, reg, logger)

	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(s.onDisconnect),
		nats.ReconnectHandler(s.onReconnect),
		nats.ErrorHandler(s.onError),
		nats.ClosedHandler(func(*nats.Conn) { close(s.closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn
	s.publish = conn.Publish
	return s, nil
}

func newSubscriber(subject string, workers int, app Broadcaster, reg prometheus.Registerer, logger zerolog.Logger) *Subscriber {
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool := &errgroup.Group{}
	pool.SetLimit(workers)

	s := &Subscriber{
		subject: subject,
		app:     app,
		workers: pool,
		closed:  make(chan struct{}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabpulse",
			Subsystem: "nats",
			Name:      "events_total",
			Help:      "Broadcast commands received over NATS by outcome.",
		}, []string{"outcome"}),
		logger: logger.With().Str("component", "nats").Str("subject", subject).Logger(),
	}
	reg.MustRegister(s.events)
	return s
}

// Start subscribes to the configured subject.
func (s *Subscriber) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info().Msg("Subscribed to broadcast commands")
	return nil
}

// Close drains the subscription, waits for the connection to close and then for every
// in-flight command to finish.
func (s *Subscriber) Close() error {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
			_ = s.workers.Wait()
			return fmt.Errorf("failed to drain NATS connection: %w", err)
		}
		<-s.closed
	}
	_ = s.workers.Wait()
	return nil
}

// HealthCheck reports whether the NATS connection is currently up.
func (s *Subscriber) HealthCheck(context.Context) error {
	if s.conn == nil || !s.conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

// dispatch hands msg to a worker, blocking while the pool is full.
func (s *Subscriber) dispatch(msg *nats.Msg) {
	s.workers.Go(func() error {
		s.handle(msg)
		return nil
	})
}

func (s *Subscriber) handle(msg *nats.Msg) {
	req, err := broadcast.DecodeCommand(msg.Data)
	if err != nil {
		s.events.WithLabelValues("invalid").Inc()
		s.logger.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("Dropping invalid broadcast command")
		s.reply(msg, map[string]string{"error": err.Error()})
		return
	}

	result := s.app.Broadcast(context.Background(), req)
	s.events.WithLabelValues("handled").Inc()
	s.logger.Debug().
		Int("targets", result.Total()).
		Int("failed", len(result.Failed)).
		Dur("latency", result.Latency).
		Msg("Broadcast command handled")

	s.reply(msg, broadcast.NewResponse(result))
}

// reply answers request/reply style publishes; fire-and-forget messages have no Reply subject.
func (s *Subscriber) reply(msg *nats.Msg, body any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	if err := s.publish(msg.Reply, data); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send reply")
	}
}

func (s *Subscriber) onDisconnect(_ *nats.Conn, err error) {
	s.logger.Warn().Err(err).Msg("Disconnected from NATS")
}

func (s *Subscriber) onReconnect(conn *nats.Conn) {
	s.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
}

func (s *Subscriber) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	event := s.logger.Error().Err(err)
	if sub != nil {
		event = event.Str("subscription", sub.Subject)
	}
	event.Msg("NATS error")
}
