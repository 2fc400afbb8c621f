package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "cyberchat"

// Metrics holds the Prometheus collectors for one server instance.
// Each server owns its own registry so tests can run servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	sendFailures     prometheus.Counter
	rooms            prometheus.Gauge
	dispatchDuration prometheus.Histogram
}

// NewMetrics creates a Metrics backed by a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of registered sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions that completed the handshake",
		}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_close_total",
			Help:      "Total number of closed sessions by reason",
		}, []string{"reason"}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages by kind",
		}, []string{"kind"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Total number of outbound events by type",
		}, []string{"kind"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_failures_total",
			Help:      "Total number of events that could not be delivered to a recipient",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms",
			Help:      "Number of rooms that exist",
		}),
		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent handling one inbound message",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Registry returns the Prometheus registry to expose
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordSessionDisconnected(reason string) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageSent(kind string) {
	m.messagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSendFailure() {
	m.sendFailures.Inc()
}

func (m *Metrics) RecordRooms(n int) {
	m.rooms.Set(float64(n))
}

func (m *Metrics) ObserveDispatch(start time.Time) {
	m.dispatchDuration.Observe(time.Since(start).Seconds())
}
