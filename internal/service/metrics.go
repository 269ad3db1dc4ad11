package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/registry"
)

// Metrics are the prometheus collectors of a Supervisor. A nil *Metrics
// records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   *prometheus.GaugeVec
	events   *prometheus.CounterVec
	cancels  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courtyard",
			Name:      "runs_total",
			Help:      "Finished worker runs by domain and status.",
		}, []string{"domain", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courtyard",
			Name:      "run_duration_seconds",
			Help:      "Wall time of worker runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"domain"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "courtyard",
			Name:      "runs_active",
			Help:      "Worker runs in flight.",
		}, []string{"domain"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courtyard",
			Name:      "events_total",
			Help:      "Published events by domain and type.",
		}, []string{"domain", "type"}),
		cancels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courtyard",
			Name:      "cancels_total",
			Help:      "Stop requests by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) started(d model.Domain) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(d)).Inc()
}

func (m *Metrics) finished(d model.Domain, out Outcome) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(string(d)).Dec()
	m.runs.WithLabelValues(string(d), string(out.Status)).Inc()
	if !out.Started.IsZero() {
		m.duration.WithLabelValues(string(d)).Observe(out.Duration().Seconds())
	}
}

func (m *Metrics) event(ev event.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(ev.Domain(), ev.Type).Inc()
}

func (m *Metrics) cancel(err error) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.cancels.WithLabelValues("sent").Inc()
	case errors.Is(err, registry.ErrNotFound):
		m.cancels.WithLabelValues("not_found").Inc()
	default:
		m.cancels.WithLabelValues("error").Inc()
	}
}
