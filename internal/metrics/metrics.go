package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by the daemon and the background
// delivery process. All methods are safe on a nil receiver so components
// can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	ChannelTransitions *prometheus.CounterVec
	ReconnectDelay     prometheus.Observer
	MessagesTotal      *prometheus.CounterVec
	EventsRouted       *prometheus.CounterVec
	PushTotal          *prometheus.CounterVec
	DeviceTokens       *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry, currying
// the service label the way every process reports it.
func New(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	service := prometheus.Labels{"service": serviceName}

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_transitions_total",
			Help: "Channel connection state transitions.",
		},
		[]string{"service", "to", "reason"},
	)
	delay := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channel_reconnect_delay_seconds",
			Help:    "Backoff delay before each reconnect attempt.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"service"},
	)
	messages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_messages_total",
			Help: "Outgoing messages by outcome.",
		},
		[]string{"service", "outcome"},
	)
	routed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_events_total",
			Help: "Inbound channel events by delivery path.",
		},
		[]string{"service", "event", "path"},
	)
	push := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_notifications_total",
			Help: "Push payloads handled by outcome.",
		},
		[]string{"service", "outcome"},
	)
	tokens := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_token_operations_total",
			Help: "Device token lifecycle operations.",
		},
		[]string{"service", "op"},
	)

	reg.MustRegister(transitions, delay, messages, routed, push, tokens)

	return &Metrics{
		registry:           reg,
		ChannelTransitions: transitions.MustCurryWith(service),
		ReconnectDelay:     delay.With(service),
		MessagesTotal:      messages.MustCurryWith(service),
		EventsRouted:       routed.MustCurryWith(service),
		PushTotal:          push.MustCurryWith(service),
		DeviceTokens:       tokens.MustCurryWith(service),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) StateChanged(to, reason string) {
	if m == nil {
		return
	}
	m.ChannelTransitions.WithLabelValues(to, reason).Inc()
}

func (m *Metrics) ReconnectScheduled(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconnectDelay.Observe(d.Seconds())
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Routed(event, path string) {
	if m == nil {
		return
	}
	m.EventsRouted.WithLabelValues(event, path).Inc()
}

func (m *Metrics) Push(outcome string) {
	if m == nil {
		return
	}
	m.PushTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Token(op string) {
	if m == nil {
		return
	}
	m.DeviceTokens.WithLabelValues(op).Inc()
}
