package metrics

import (
	"sync"

	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const DefaultBufferSize = 4096

// event is applied to the collectors on the aggregator goroutine.
type event interface{ apply(a *Aggregator) }

type connectEvent struct{ domain.ConnectEvent }
type disconnectEvent struct{ domain.DisconnectSummary }
type admissionEvent struct{ domain.AdmissionDecision }
type heartbeatEvent struct{ domain.HeartbeatEvent }
type broadcastEvent struct{ domain.BroadcastResult }
type syncEvent struct{ ack chan struct{} }

// Aggregator turns connection-layer events into Prometheus series. All Record methods
// are fire-and-forget: a full buffer drops the event and counts the drop.
type Aggregator struct {
	events   chan event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
	reg      prometheus.Registerer

	connectionsOpened  prometheus.Counter
	disconnects        *prometheus.CounterVec
	connectionDuration prometheus.Histogram
	messagesSent       prometheus.Counter
	broadcastTargets   *prometheus.CounterVec
	broadcastLatency   *prometheus.HistogramVec
	admissions         *prometheus.CounterVec
	heartbeatRTT       prometheus.Histogram
	heartbeatsMissed   prometheus.Counter
	errors             *prometheus.CounterVec
	droppedEvents      prometheus.Counter
}

func NewAggregator(reg prometheus.Registerer, bufferSize int, logger zerolog.Logger) *Aggregator {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	a := &Aggregator{
		events: make(chan event, bufferSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "metrics").Logger(),
		reg:    reg,

		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Total number of registered connections.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Total number of unregistered connections, by reason.",
		}, []string{"reason"}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "duration_seconds",
			Help:      "Lifetime of a connection from register to unregister.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_sent_total",
			Help:      "Total number of payloads delivered to a connection.",
		}),
		broadcastTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "targets_total",
			Help:      "Broadcast targets by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		broadcastLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Wall time of a broadcast call across all targets, by priority.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"priority"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Connection admission decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		heartbeatRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "rtt_seconds",
			Help:      "Round-trip time between a heartbeat ping and its pong.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		heartbeatsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "missed_total",
			Help:      "Total number of heartbeat pings left unanswered.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "errors_total",
			Help:      "Connection errors by source.",
		}, []string{"source"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metrics",
			Name:      "dropped_events_total",
			Help:      "Metric events dropped because the aggregator buffer was full.",
		}),
	}

	reg.MustRegister(
		a.connectionsOpened,
		a.disconnects,
		a.connectionDuration,
		a.messagesSent,
		a.broadcastTargets,
		a.broadcastLatency,
		a.admissions,
		a.heartbeatRTT,
		a.heartbeatsMissed,
		a.errors,
		a.droppedEvents,
	)

	a.wg.Add(1)
	go a.run()
	return a
}

// TrackActive exports the active-connections gauge, read from sizeFn at scrape time.
func (a *Aggregator) TrackActive(sizeFn func() int) {
	a.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "active",
		Help:      "Number of currently registered connections.",
	}, func() float64 { return float64(sizeFn()) }))
}

func (a *Aggregator) RecordConnect(e domain.ConnectEvent)         { a.enqueue(connectEvent{e}) }
func (a *Aggregator) RecordDisconnect(s domain.DisconnectSummary) { a.enqueue(disconnectEvent{s}) }
func (a *Aggregator) RecordAdmission(d domain.AdmissionDecision)  { a.enqueue(admissionEvent{d}) }
func (a *Aggregator) RecordHeartbeat(e domain.HeartbeatEvent)     { a.enqueue(heartbeatEvent{e}) }
func (a *Aggregator) RecordBroadcast(r domain.BroadcastResult)    { a.enqueue(broadcastEvent{r}) }

func (a *Aggregator) enqueue(ev event) {
	select {
	case <-a.done:
		a.droppedEvents.Inc()
		return
	default:
	}

	select {
	case a.events <- ev:
	default:
		a.droppedEvents.Inc()
	}
}

// Sync blocks until every event enqueued before the call has been applied.
func (a *Aggregator) Sync() {
	select {
	case <-a.done:
		return
	default:
	}

	ack := make(chan struct{})
	select {
	case a.events <- syncEvent{ack: ack}:
		<-ack
	case <-a.done:
	}
}

// Stop applies the events still buffered and stops the aggregator goroutine.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.events:
			ev.apply(a)
		case <-a.done:
			for {
				select {
				case ev := <-a.events:
					ev.apply(a)
				default:
					a.logger.Debug().Msg("Metrics aggregator stopped")
					return
				}
			}
		}
	}
}

func (e connectEvent) apply(a *Aggregator) {
	a.connectionsOpened.Inc()
}

func (e disconnectEvent) apply(a *Aggregator) {
	a.disconnects.WithLabelValues(e.Reason).Inc()
	a.connectionDuration.Observe(e.Duration().Seconds())
	if e.Reason == domain.DisconnectTransportError {
		a.errors.WithLabelValues("transport").Inc()
	}
}

func (e admissionEvent) apply(a *Aggregator) {
	a.admissions.WithLabelValues(string(e.Outcome), string(e.Reason)).Inc()
}

func (e heartbeatEvent) apply(a *Aggregator) {
	if e.Missed {
		a.heartbeatsMissed.Inc()
		return
	}
	if e.RTT > 0 {
		a.heartbeatRTT.Observe(e.RTT.Seconds())
	}
}

func (e broadcastEvent) apply(a *Aggregator) {
	if n := len(e.Successful); n > 0 {
		a.messagesSent.Add(float64(n))
		a.broadcastTargets.WithLabelValues("success", "").Add(float64(n))
	}
	for _, f := range e.Failed {
		a.broadcastTargets.WithLabelValues("failure", string(f.Reason)).Inc()
		if f.Reason == domain.FailureTransportSend {
			a.errors.WithLabelValues("broadcast").Inc()
		}
	}
	a.broadcastLatency.WithLabelValues(string(e.Priority)).Observe(e.Latency.Seconds())
}

func (e syncEvent) apply(*Aggregator) { close(e.ack) }
