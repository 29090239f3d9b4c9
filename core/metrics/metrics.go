// Package metrics defines the sink interface used to record matching and
// assignment outcomes for observability. Implementations live in
// infra/metrics (Prometheus, InfluxDB) and can be combined with MultiSink.
package metrics

import "time"

// MatchRecord is one offer issued during a search wave.
type MatchRecord struct {
	BookingID  string
	ProviderID string
	ServiceID  string
	Wave       int
	RadiusKm   float64
	DistanceKm float64
	Urgency    string
	Time       time.Time
}

// AssignmentRecord captures a won acceptance race.
type AssignmentRecord struct {
	BookingID  string
	ProviderID string
	OfferID    string
	Wave       int
	// WaitTime is the span from offer creation to acceptance.
	WaitTime time.Duration
	Time     time.Time
}

// OutcomeRecord captures a booking reaching a terminal state.
type OutcomeRecord struct {
	BookingID string
	Outcome   string
	Waves     int
	Time      time.Time
}

// Sink records dispatch engine events. Implementations must be safe for
// concurrent use; errors are logged by callers, never propagated into the
// engine's control flow.
type Sink interface {
	RecordMatches(recs []MatchRecord) error
	RecordAssignment(rec AssignmentRecord) error
	RecordOutcome(rec OutcomeRecord) error
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) RecordMatches([]MatchRecord) error       { return nil }
func (NopSink) RecordAssignment(AssignmentRecord) error { return nil }
func (NopSink) RecordOutcome(OutcomeRecord) error       { return nil }

// MultiSink fans records out to several sinks, returning the first error.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink { return &MultiSink{Sinks: sinks} }

func (m *MultiSink) RecordMatches(recs []MatchRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordMatches(recs); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) RecordAssignment(rec AssignmentRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordAssignment(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) RecordOutcome(rec OutcomeRecord) error {
	for _, s := range m.Sinks {
		if err := s.RecordOutcome(rec); err != nil {
			return err
		}
	}
	return nil
}
