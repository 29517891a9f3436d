package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the ledger. It satisfies the
// Metrics interfaces of the purchase, emission and club packages.
type Metrics struct {
	// Registry owns these metrics; Handler serves it.
	Registry *prometheus.Registry

	releases        *prometheus.CounterVec
	releaseDuration prometheus.Histogram
	usageQueries    *prometheus.CounterVec
	sweepChanges    *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
}

// NewMetrics creates a dedicated registry and registers all metrics in it.
// A private registry lets tests build as many instances as they need.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		releases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_item_releases_total",
				Help: "Item release attempts by item type and result.",
			},
			[]string{"type", "result"},
		),
		releaseDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_release_duration_seconds",
				Help:    "Duration of item releases, transaction included.",
				Buckets: prometheus.DefBuckets,
			},
		),
		usageQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_emission_usage_queries_total",
				Help: "Emission usage queries by program and cache outcome.",
			},
			[]string{"program", "cache"},
		),
		sweepChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_club_sweep_changes_total",
				Help: "Subscription status changes written by the club sweep.",
			},
			[]string{"program", "status"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_club_sweep_duration_seconds",
				Help:    "Duration of one club sweep over a scope.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveRelease(itemType, result string, d time.Duration) {
	if itemType == "" {
		itemType = "unknown"
	}
	m.releases.WithLabelValues(itemType, result).Inc()
	m.releaseDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveUsageQuery(program, cache string) {
	m.usageQueries.WithLabelValues(program, cache).Inc()
}

func (m *Metrics) SweepChanged(program, status string, n int) {
	m.sweepChanges.WithLabelValues(program, status).Add(float64(n))
}

func (m *Metrics) SweepFinished(d time.Duration) {
	m.sweepDuration.Observe(d.Seconds())
}
