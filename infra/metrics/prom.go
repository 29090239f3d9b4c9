// Package metrics provides the Prometheus and InfluxDB implementations of
// the core metrics sink, plus the factory assembling them from config.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/fixmarket/dispatch/core/metrics"
)

// PromSink records dispatch outcomes as Prometheus metrics.
type PromSink struct {
	offers      *prometheus.CounterVec
	assignments *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	wait        prometheus.Histogram
}

// NewPromSink registers dispatch metrics on the default Prometheus
// registerer. The metrics HTTP server is started separately.
func NewPromSink() (coremetrics.Sink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	offers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_offers_total",
		Help: "Offers issued during search waves",
	}, []string{"service_id", "urgency", "wave"})
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_assignments_total",
		Help: "Bookings won by a provider acceptance",
	}, []string{"wave"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_terminal_outcomes_total",
		Help: "Bookings reaching a terminal state",
	}, []string{"outcome"})
	wait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_assignment_wait_seconds",
		Help:    "Time from offer creation to winning acceptance",
		Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300},
	})

	if err := registerCounterVec(reg, &offers); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &assignments); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &outcomes); err != nil {
		return nil, err
	}
	if err := reg.Register(wait); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			wait = are.ExistingCollector.(prometheus.Histogram)
		} else {
			return nil, err
		}
	}
	return &PromSink{offers: offers, assignments: assignments, outcomes: outcomes, wait: wait}, nil
}

func registerCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			*c = are.ExistingCollector.(*prometheus.CounterVec)
			return nil
		}
		return err
	}
	return nil
}

// RecordMatches counts each offer issued.
func (s *PromSink) RecordMatches(recs []coremetrics.MatchRecord) error {
	for _, r := range recs {
		s.offers.WithLabelValues(r.ServiceID, r.Urgency, strconv.Itoa(r.Wave)).Inc()
	}
	return nil
}

// RecordAssignment counts the win and observes the wait.
func (s *PromSink) RecordAssignment(rec coremetrics.AssignmentRecord) error {
	s.assignments.WithLabelValues(strconv.Itoa(rec.Wave)).Inc()
	s.wait.Observe(rec.WaitTime.Seconds())
	return nil
}

// RecordOutcome counts terminal booking outcomes.
func (s *PromSink) RecordOutcome(rec coremetrics.OutcomeRecord) error {
	s.outcomes.WithLabelValues(rec.Outcome).Inc()
	return nil
}
