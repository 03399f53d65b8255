package runner

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting supervisor activity.
type Metrics struct {
	runDuration     *prometheus.HistogramVec
	runFailures     *prometheus.CounterVec
	intentsReceived *prometheus.CounterVec
	workersActive   *prometheus.GaugeVec
	promotions      prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created once so repeated
// supervisor construction (tests, restarts in-process) cannot trip duplicate
// registration panics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on the provided registerer.
// Tests pass a fresh registry; registration errors other than
// AlreadyRegistered panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sprintd",
			Subsystem: "supervisor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of agent runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"role", "status"},
	)
	runFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sprintd",
			Subsystem: "supervisor",
			Name:      "run_failures_total",
			Help:      "Agent run failures by classification.",
		},
		[]string{"role", "classification"},
	)
	intentsReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sprintd",
			Subsystem: "supervisor",
			Name:      "intents_received_total",
			Help:      "Planner intents accepted into the dispatch queues.",
		},
		[]string{"role"},
	)
	workersActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sprintd",
			Subsystem: "supervisor",
			Name:      "workers_active",
			Help:      "Agent runs currently executing.",
		},
		[]string{"role"},
	)
	promotions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sprintd",
			Subsystem: "supervisor",
			Name:      "board_promotions_total",
			Help:      "Backlog items promoted to Ready.",
		},
	)

	collectors := []prometheus.Collector{runDuration, runFailures, intentsReceived, workersActive, promotions}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case runFailures:
						runFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case intentsReceived:
						intentsReceived = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case *prometheus.GaugeVec:
					workersActive = already.ExistingCollector.(*prometheus.GaugeVec)
				case prometheus.Counter:
					promotions = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		runDuration:     runDuration,
		runFailures:     runFailures,
		intentsReceived: intentsReceived,
		workersActive:   workersActive,
		promotions:      promotions,
	}
}

// ObserveRunDuration records one completed agent run.
func (m *Metrics) ObserveRunDuration(role, status string, duration time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.WithLabelValues(role, status).Observe(duration.Seconds())
}

// IncRunFailure counts a failed run by classification.
func (m *Metrics) IncRunFailure(role, classification string) {
	if m == nil || m.runFailures == nil {
		return
	}
	m.runFailures.WithLabelValues(role, classification).Inc()
}

// IncIntentReceived counts an accepted planner intent.
func (m *Metrics) IncIntentReceived(role string) {
	if m == nil || m.intentsReceived == nil {
		return
	}
	m.intentsReceived.WithLabelValues(role).Inc()
}

// WorkerStarted marks a run as active for its role.
func (m *Metrics) WorkerStarted(role string) {
	if m == nil || m.workersActive == nil {
		return
	}
	m.workersActive.WithLabelValues(role).Inc()
}

// WorkerFinished marks a run as no longer active.
func (m *Metrics) WorkerFinished(role string) {
	if m == nil || m.workersActive == nil {
		return
	}
	m.workersActive.WithLabelValues(role).Dec()
}

// IncPromotion counts one Backlog-to-Ready promotion.
func (m *Metrics) IncPromotion() {
	if m == nil || m.promotions == nil {
		return
	}
	m.promotions.Inc()
}
