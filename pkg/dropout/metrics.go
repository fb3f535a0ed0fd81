package dropout

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LabelDropper is the metric label carrying the dropper name.
const LabelDropper = "dropper"

// Metrics provides Prometheus instrumentation for droppers.
//
// One Metrics instance can be shared by any number of droppers; series are
// separated by the dropper name label. A nil *Metrics is valid and disables
// instrumentation with no overhead beyond a nil check.
type Metrics struct {
	submittedTotal  *prometheus.CounterVec
	destroyedTotal  *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	destroyDuration *prometheus.HistogramVec
	workersActive   *prometheus.GaugeVec
}

// NewMetrics creates dropper metrics and registers them with registry.
// If registry is nil, metrics are created but not registered (useful for
// testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		submittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dropout",
				Name:      "submitted_total",
				Help:      "Total number of values submitted for asynchronous destruction",
			},
			[]string{LabelDropper},
		),

		destroyedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dropout",
				Name:      "destroyed_total",
				Help:      "Total number of values destroyed by the worker",
			},
			[]string{LabelDropper},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dropout",
				Name:      "queue_depth",
				Help:      "Number of values waiting in the destruction queue",
			},
			[]string{LabelDropper},
		),

		destroyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dropout",
				Name:      "destroy_duration_seconds",
				Help:      "Time spent destroying a single value on the worker",
				Buckets: []float64{
					0.000001, // 1us - reference drop only
					0.00001,  // 10us
					0.0001,   // 100us
					0.001,    // 1ms
					0.01,     // 10ms
					0.1,      // 100ms - large structures
					1,        // 1s
					10,       // 10s
				},
			},
			[]string{LabelDropper},
		),

		workersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dropout",
				Name:      "workers",
				Help:      "Number of live worker goroutines",
			},
			[]string{LabelDropper},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.submittedTotal,
			m.destroyedTotal,
			m.queueDepth,
			m.destroyDuration,
			m.workersActive,
		)
	}

	return m
}

// observeSubmit records a submission and the resulting queue depth.
func (m *Metrics) observeSubmit(name string, depth int) {
	if m == nil {
		return
	}
	m.submittedTotal.WithLabelValues(name).Inc()
	m.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// observeDestroy records one destroyed value, how long the destruction took,
// and the queue depth after it.
func (m *Metrics) observeDestroy(name string, d time.Duration, depth int) {
	if m == nil {
		return
	}
	m.destroyedTotal.WithLabelValues(name).Inc()
	m.destroyDuration.WithLabelValues(name).Observe(d.Seconds())
	m.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// workerUp records a worker goroutine starting.
func (m *Metrics) workerUp(name string) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(name).Inc()
}

// workerDown records a worker goroutine exiting.
func (m *Metrics) workerDown(name string) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(name).Dec()
}
