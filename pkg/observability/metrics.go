package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the module framework.
type Metrics struct {
	// Loader metrics
	ModuleUpdatesTotal *prometheus.CounterVec
	ModuleRemovalsTotal prometheus.Counter
	RelinkFailuresTotal prometheus.Counter
	CompileDuration    *prometheus.HistogramVec
	ModulesLive        prometheus.Gauge

	// Poller metrics
	PollCyclesTotal *prometheus.CounterVec
	PollDuration    *prometheus.HistogramVec
	PollDeltaSize   *prometheus.HistogramVec

	// Repository metrics
	RepositoryOpsTotal   *prometheus.CounterVec
	RepositoryOpDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ModuleUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotload_module_updates_total",
				Help: "Archive update outcomes by result",
			},
			[]string{"outcome"},
		),
		ModuleRemovalsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hotload_module_removals_total",
				Help: "Modules removed, including cascade removals",
			},
		),
		RelinkFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hotload_relink_failures_total",
				Help: "Dependents that failed to relink after an upgrade",
			},
		),
		CompileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotload_compile_duration_seconds",
				Help:    "Archive compile duration by plugin",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
		ModulesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hotload_modules_live",
				Help: "Modules currently reachable in the revision table",
			},
		),
		PollCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotload_poll_cycles_total",
				Help: "Repository poll cycles by status",
			},
			[]string{"repository", "status"},
		),
		PollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotload_poll_duration_seconds",
				Help:    "Repository poll duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"repository"},
		),
		PollDeltaSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotload_poll_delta_size",
				Help:    "Modules per poll delta by kind",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"repository", "kind"},
		),
		RepositoryOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotload_repository_operations_total",
				Help: "Repository operations by status",
			},
			[]string{"repository", "operation", "status"},
		),
		RepositoryOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotload_repository_operation_duration_seconds",
				Help:    "Repository operation duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"repository", "operation"},
		),
	}

	registry.MustRegister(
		m.ModuleUpdatesTotal,
		m.ModuleRemovalsTotal,
		m.RelinkFailuresTotal,
		m.CompileDuration,
		m.ModulesLive,
		m.PollCyclesTotal,
		m.PollDuration,
		m.PollDeltaSize,
		m.RepositoryOpsTotal,
		m.RepositoryOpDuration,
	)
	return m
}

// ObserveUpdate records one archive update outcome. Nil-safe.
func (m *Metrics) ObserveUpdate(outcome string) {
	if m == nil {
		return
	}
	m.ModuleUpdatesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCompile records one compile duration. Nil-safe.
func (m *Metrics) ObserveCompile(plugin string, d time.Duration) {
	if m == nil {
		return
	}
	m.CompileDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

// SetModulesLive records the reachable module count. Nil-safe.
func (m *Metrics) SetModulesLive(n int) {
	if m == nil {
		return
	}
	m.ModulesLive.Set(float64(n))
}

// ObserveRemoval records a module removal. Nil-safe.
func (m *Metrics) ObserveRemoval() {
	if m == nil {
		return
	}
	m.ModuleRemovalsTotal.Inc()
}

// ObserveRelinkFailure records a failed dependent relink. Nil-safe.
func (m *Metrics) ObserveRelinkFailure() {
	if m == nil {
		return
	}
	m.RelinkFailuresTotal.Inc()
}

// ObservePoll records one poll cycle. Nil-safe.
func (m *Metrics) ObservePoll(repository, status string, d time.Duration, added, modified, removed int) {
	if m == nil {
		return
	}
	m.PollCyclesTotal.WithLabelValues(repository, status).Inc()
	m.PollDuration.WithLabelValues(repository).Observe(d.Seconds())
	m.PollDeltaSize.WithLabelValues(repository, "added").Observe(float64(added))
	m.PollDeltaSize.WithLabelValues(repository, "modified").Observe(float64(modified))
	m.PollDeltaSize.WithLabelValues(repository, "removed").Observe(float64(removed))
}

// ObserveRepositoryOp records one repository operation. Nil-safe.
func (m *Metrics) ObserveRepositoryOp(repository, operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RepositoryOpsTotal.WithLabelValues(repository, operation, status).Inc()
	m.RepositoryOpDuration.WithLabelValues(repository, operation).Observe(d.Seconds())
}

// Handler exposes the registry for scraping.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
