// Package metrics exposes Prometheus collectors for sync activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calagg"

// Metrics records sync outcomes. A disabled or nil instance is a no-op.
type Metrics struct {
	syncTotal     *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	sourceEvents  *prometheus.GaugeVec
	schedulerRuns prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_total",
				Help:      "Source syncs by kind and result.",
			},
			[]string{"kind", "result"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Time spent syncing one source.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		sourceEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "source_events",
				Help:      "Events stored by the last successful sync of a source.",
			},
			[]string{"source_id", "source"},
		),
		schedulerRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_runs_total",
				Help:      "Scheduled sync passes started.",
			},
		),
	}

	m.registry.MustRegister(m.syncTotal, m.syncDuration, m.sourceEvents, m.schedulerRuns)
	return m
}

// RecordSync observes one sync of a source.
func (m *Metrics) RecordSync(kind, result string, duration time.Duration) {
	if m == nil || m.syncTotal == nil {
		return
	}
	m.syncTotal.WithLabelValues(kind, result).Inc()
	m.syncDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetSourceEvents records how many events a source holds. Series are keyed
// by id since source names need not be unique.
func (m *Metrics) SetSourceEvents(sourceID int64, name string, n int) {
	if m == nil || m.sourceEvents == nil {
		return
	}
	m.sourceEvents.WithLabelValues(strconv.FormatInt(sourceID, 10), name).Set(float64(n))
}

// RecordSchedulerRun counts a scheduled pass.
func (m *Metrics) RecordSchedulerRun() {
	if m == nil || m.schedulerRuns == nil {
		return
	}
	m.schedulerRuns.Inc()
}

// Handler serves the registry, or 404 when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
