package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	stageDuration   *prometheus.HistogramVec
	stageFailures   *prometheus.CounterVec
	stageSkips      *prometheus.CounterVec
	workflowsActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the engine is instantiated
// multiple times (e.g. in unit tests or parallel workflow runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will
// panic which mirrors the semantics of promauto helpers and surfaces
// configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adw",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each workflow stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adw",
			Subsystem: "orchestrator",
			Name:      "stage_failures_total",
			Help:      "Total number of stage executions that failed.",
		},
		[]string{"stage", "reason"},
	)
	stageSkips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adw",
			Subsystem: "orchestrator",
			Name:      "stage_skips_total",
			Help:      "Number of stage executions skipped by policy.",
		},
		[]string{"stage"},
	)
	workflowsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "adw",
			Subsystem: "orchestrator",
			Name:      "workflows_active",
			Help:      "Number of workflows currently being executed.",
		},
	)

	collectors := []prometheus.Collector{stageDuration, stageFailures, stageSkips, workflowsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case stageFailures:
						stageFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case stageSkips:
						stageSkips = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					workflowsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration:   stageDuration,
		stageFailures:   stageFailures,
		stageSkips:      stageSkips,
		workflowsActive: workflowsActive,
	}
}

// ObserveStageDuration records the time spent in a stage with the provided status label.
func (m *Metrics) ObserveStageDuration(stage string, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncStageFailure increments the failure counter for the given stage and reason.
func (m *Metrics) IncStageFailure(stage, reason string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, reason).Inc()
}

// IncStageSkip increments the skip counter for the given stage.
func (m *Metrics) IncStageSkip(stage string) {
	if m == nil || m.stageSkips == nil {
		return
	}
	m.stageSkips.WithLabelValues(stage).Inc()
}

// WorkflowStarted increments the active workflow gauge.
func (m *Metrics) WorkflowStarted() {
	if m == nil || m.workflowsActive == nil {
		return
	}
	m.workflowsActive.Inc()
}

// WorkflowFinished decrements the active workflow gauge.
func (m *Metrics) WorkflowFinished() {
	if m == nil || m.workflowsActive == nil {
		return
	}
	m.workflowsActive.Dec()
}
