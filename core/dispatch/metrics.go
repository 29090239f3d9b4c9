package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal        prometheus.Counter
	tickErrors        prometheus.Counter
	offersExpired     prometheus.Counter
	bookingsHandled   *prometheus.CounterVec
	searchesExhausted prometheus.Counter
	tickDuration      prometheus.Histogram
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Counter, prometheus.Counter, prometheus.Counter, *prometheus.CounterVec, prometheus.Counter, prometheus.Histogram) {
	ticks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_ticks_total",
			Help: "Scheduler ticks executed",
		},
	)
	errs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tick_errors_total",
			Help: "Per-booking failures contained during ticks",
		},
	)
	expired := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_offers_expired_total",
			Help: "Job offers stamped expired by the sweep",
		},
	)
	handled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_bookings_handled_total",
			Help: "Bookings processed per tick path",
		},
		[]string{"path"},
	)
	exhausted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_searches_exhausted_total",
			Help: "Searches closed after the full radius ladder",
		},
	)
	dur := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)
	return ticks, errs, expired, handled, exhausted, dur
}

func init() {
	ticksTotal, tickErrors, offersExpired, bookingsHandled, searchesExhausted, tickDuration = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(ticksTotal, tickErrors, offersExpired, bookingsHandled, searchesExhausted, tickDuration)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	ticksTotal, tickErrors, offersExpired, bookingsHandled, searchesExhausted, tickDuration = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
