// Package metrics exposes Prometheus collectors for the run-session service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for EventDropped.
const (
	DropReasonSequence = "sequence"
	DropReasonAppend   = "append"
	DropReasonMarshal  = "marshal"
)

// Metrics holds the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated *prometheus.CounterVec
	sessionsLive    prometheus.Gauge
	eventsRecorded  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	adapterFailures *prometheus.CounterVec
	publishDropped  prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "sessions_created_total",
			Help:      "Run sessions created, by kind.",
		}, []string{"kind"}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "sessions_live",
			Help:      "Run sessions currently live in this process.",
		}),
		eventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "events_recorded_total",
			Help:      "Session events persisted and published.",
		}, []string{"kind", "channel_kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "events_dropped_total",
			Help:      "Session events dropped before persistence.",
		}, []string{"reason"}),
		adapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "adapter_failures_total",
			Help:      "Adapter create, resume and close failures.",
		}, []string{"kind", "op"}),
		publishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "publish_dropped_total",
			Help:      "Persisted events that could not be fanned out in time.",
		}),
	}
	m.registry.MustRegister(
		m.sessionsCreated,
		m.sessionsLive,
		m.eventsRecorded,
		m.eventsDropped,
		m.adapterFailures,
		m.publishDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated(kind string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(kind).Inc()
}

// SetLive records the number of live sessions.
func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.sessionsLive.Set(float64(n))
}

// EventRecorded counts a persisted event. channel_kind is the channel suffix ("output", "input").
func (m *Metrics) EventRecorded(kind, channel string) {
	if m == nil {
		return
	}
	suffix := channel
	if i := strings.LastIndexByte(channel, ':'); i >= 0 {
		suffix = channel[i+1:]
	}
	m.eventsRecorded.WithLabelValues(kind, suffix).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AdapterFailure(kind, op string) {
	if m == nil {
		return
	}
	m.adapterFailures.WithLabelValues(kind, op).Inc()
}

func (m *Metrics) PublishDropped() {
	if m == nil {
		return
	}
	m.publishDropped.Inc()
}
