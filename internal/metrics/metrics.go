// Package metrics holds the Prometheus collectors of the sync service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nft-state-sync/internal/types"
)

const namespace = "nft_state_sync"

// Metrics holds all collectors. A Metrics built with a nil registerer is
// fully functional but not exported.
type Metrics struct {
	// Cache manager
	CacheRequests     *prometheus.CounterVec
	ChainLoadDuration *prometheus.HistogramVec

	// Pipelines
	PipelineServed   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	PipelinePanics   *prometheus.CounterVec

	// Reconciler
	ReconcileRuns     *prometheus.CounterVec
	ReconcileActions  *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec

	// Gateway resolver
	GatewayProbes      *prometheus.CounterVec
	GatewayResolutions *prometheus.CounterVec

	// Sync queue
	QueueDepth prometheus.Gauge
	QueueTasks *prometheus.CounterVec

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache manager reads by record kind and outcome (hit, refresh, stale, miss)",
		}, []string{"kind", "outcome"}),
		ChainLoadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "chain_load_seconds",
			Help:      "Duration of chain loads triggered by cache misses",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"kind"}),

		PipelineServed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "served_total",
			Help:      "User-facing reads by pipeline and provenance",
		}, []string{"pipeline", "provenance"}),
		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end duration of user-facing reads",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		PipelinePanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_panics_total",
			Help:      "Recovered panics by pipeline and stage",
		}, []string{"pipeline", "stage"}),

		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Reconciliation runs by reason and status",
		}, []string{"reason", "status"}),
		ReconcileActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "actions_total",
			Help:      "Records created, updated, cleared or left unresolved",
		}, []string{"action"}),
		ReconcileDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "duration_seconds",
			Help:      "Duration of reconciliation runs",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"reason"}),

		GatewayProbes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "probes_total",
			Help:      "Gateway probes by result",
		}, []string{"result"}),
		GatewayResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "resolutions_total",
			Help:      "Locator resolutions by outcome (resolved, placeholder)",
		}, []string{"outcome"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Sync tasks waiting in the queue",
		}),
		QueueTasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Sync tasks by reason and status (enqueued, coalesced, rejected, done, failed)",
		}, []string{"reason", "status"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Noop returns unregistered collectors for callers that do not export
// metrics.
func Noop() *Metrics {
	return NewMetrics(nil)
}

// ObserveReport folds a finished reconciliation run into the counters.
func (m *Metrics) ObserveReport(report *types.SyncReport, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	reason := string(report.Reason)
	m.ReconcileRuns.WithLabelValues(reason, status).Inc()
	m.ReconcileActions.WithLabelValues("created").Add(float64(report.Created))
	m.ReconcileActions.WithLabelValues("updated").Add(float64(report.Updated))
	m.ReconcileActions.WithLabelValues("cleared").Add(float64(report.Cleared))
	m.ReconcileActions.WithLabelValues("unresolved").Add(float64(report.Unresolved))
	if !report.FinishedAt.IsZero() {
		m.ReconcileDuration.WithLabelValues(reason).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
// Compression is left to the HTTP middleware.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{DisableCompression: true})
}
