package order

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	acceptanceAttempts *prometheus.CounterVec
	declinesTotal      prometheus.Counter
	cancellationsTotal *prometheus.CounterVec
	rejectedUpdates    prometheus.Counter
	assignmentWait     prometheus.Histogram
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, prometheus.Counter, *prometheus.CounterVec, prometheus.Counter, prometheus.Histogram) {
	acc := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_acceptance_attempts_total",
			Help: "Provider acceptance attempts by outcome",
		},
		[]string{"outcome"},
	)
	dec := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "order_declines_total",
			Help: "Provider declines recorded",
		},
	)
	can := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_cancellations_total",
			Help: "Booking cancellations by actor role",
		},
		[]string{"role"},
	)
	rej := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "order_rejected_status_updates_total",
			Help: "Provider status reports rejected as illegal transitions",
		},
	)
	wait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "order_assignment_wait_seconds",
			Help:    "Time from offer creation to winning acceptance",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300},
		},
	)
	return acc, dec, can, rej, wait
}

func init() {
	acceptanceAttempts, declinesTotal, cancellationsTotal, rejectedUpdates, assignmentWait = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers order metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(acceptanceAttempts, declinesTotal, cancellationsTotal, rejectedUpdates, assignmentWait)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	acceptanceAttempts, declinesTotal, cancellationsTotal, rejectedUpdates, assignmentWait = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
