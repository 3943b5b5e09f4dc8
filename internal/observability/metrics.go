package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by the analyzer, the routing
// engine and the affinity manager. A nil *Metrics is valid and records nothing.
type Metrics struct {
	analysisTotal     *prometheus.CounterVec
	analysisDuration  *prometheus.HistogramVec
	componentFailures *prometheus.CounterVec
	escalations       *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	routingDecisions  *prometheus.CounterVec
	routingDuration   prometheus.Histogram
	affinityDecisions *prometheus.CounterVec
	executionOutcomes *prometheus.CounterVec
	rateLimited       prometheus.Counter
	jobsProcessed     *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg, reusing collectors that are
// already registered under the same name.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		analysisTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "complexity",
			Name:      "analysis_total",
			Help:      "Complexity analyses by the path that produced the verdict.",
		}, []string{"path", "level"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "optiroute",
			Subsystem: "complexity",
			Name:      "analysis_duration_seconds",
			Help:      "Wall time of a complexity analysis.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 3, 5},
		}, []string{"path"}),
		componentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "complexity",
			Name:      "component_failures_total",
			Help:      "Parallel components replaced with a degraded result.",
		}, []string{"component", "kind"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "complexity",
			Name:      "escalations_total",
			Help:      "Remote classification calls by reason and outcome.",
		}, []string{"reason", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Complexity cache lookups by result.",
		}, []string{"result"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing decisions by phase and strategy.",
		}, []string{"phase", "strategy"}),
		routingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optiroute",
			Subsystem: "routing",
			Name:      "decision_duration_seconds",
			Help:      "Wall time of the routing engine.",
			Buckets:   prometheus.DefBuckets,
		}),
		affinityDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "affinity",
			Name:      "decisions_total",
			Help:      "Session affinity checks by entity type and outcome.",
		}, []string{"entity_type", "outcome"}),
		executionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "router",
			Name:      "executions_total",
			Help:      "Dispatched executions by provider and status.",
		}, []string{"provider", "status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the API rate limiter.",
		}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiroute",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Background jobs by type and result.",
		}, []string{"type", "result"}),
	}

	m.analysisTotal = register(reg, m.analysisTotal)
	m.analysisDuration = register(reg, m.analysisDuration)
	m.componentFailures = register(reg, m.componentFailures)
	m.escalations = register(reg, m.escalations)
	m.cacheLookups = register(reg, m.cacheLookups)
	m.routingDecisions = register(reg, m.routingDecisions)
	m.routingDuration = register(reg, m.routingDuration)
	m.affinityDecisions = register(reg, m.affinityDecisions)
	m.executionOutcomes = register(reg, m.executionOutcomes)
	m.rateLimited = register(reg, m.rateLimited)
	m.jobsProcessed = register(reg, m.jobsProcessed)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveAnalysis(path, level string, d time.Duration) {
	if m == nil {
		return
	}
	m.analysisTotal.WithLabelValues(path, level).Inc()
	m.analysisDuration.WithLabelValues(path).Observe(d.Seconds())
}

func (m *Metrics) ComponentFailure(component, kind string) {
	if m == nil {
		return
	}
	m.componentFailures.WithLabelValues(component, kind).Inc()
}

func (m *Metrics) Escalation(reason, outcome string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(reason, outcome).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RoutingDecision(phase, strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(phase, strategy).Inc()
	m.routingDuration.Observe(d.Seconds())
}

func (m *Metrics) AffinityDecision(entityType string, stick bool) {
	if m == nil {
		return
	}
	outcome := "reroute"
	if stick {
		outcome = "stick"
	}
	m.affinityDecisions.WithLabelValues(entityType, outcome).Inc()
}

func (m *Metrics) Execution(provider, status string) {
	if m == nil {
		return
	}
	m.executionOutcomes.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// JobProcessed counts a finished job; result is ok, retry or dead_letter.
func (m *Metrics) JobProcessed(jobType, result string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, result).Inc()
}
