package assembly

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "igakernel"
	metricsSubsystem = "assembly"
)

// Metrics holds the prometheus collectors of the assembly engines of one
// run. All workers of the run share one instance.
type Metrics struct {
	// ElementsTotal counts element kernels evaluated.
	// Labels: form (matrix, vector)
	ElementsTotal *prometheus.CounterVec

	// PhaseDurationSeconds measures assembly phases per worker.
	// Labels: phase (assemble_matrix, assemble_vector, exchange)
	PhaseDurationSeconds *prometheus.HistogramVec

	// FailuresTotal counts engines that entered the failed state.
	// Labels: reason (kernel, exchange, canceled)
	FailuresTotal *prometheus.CounterVec
}

// NewMetrics registers the assembly collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ElementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "elements_total",
				Help:      "Element kernels evaluated, by form",
			},
			[]string{"form"},
		),
		PhaseDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "phase_duration_seconds",
				Help:      "Duration of assembly phases on one worker",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
			},
			[]string{"phase"},
		),
		FailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "failures_total",
				Help:      "Assemblies that failed, by reason",
			},
			[]string{"reason"},
		),
	}
}
