// Package kpirollup rebuilds KPI aggregates from booking records, used when
// the rollup database is introduced after bookings already exist or has to
// be recreated.
package kpirollup

import (
	"github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/core/model"
)

// Backfill replays historical bookings into the sink. Only terminal bookings
// carry a recordable outcome; assignments are replayed for every booking
// that got a provider.
func Backfill(sink metrics.Sink, bookings []*model.Booking) error {
	for _, b := range bookings {
		if b.AssignedProviderID != "" {
			rec := metrics.AssignmentRecord{
				BookingID:  b.ID,
				ProviderID: b.AssignedProviderID,
				Wave:       b.SearchWave,
				Time:       b.UpdatedAt,
			}
			if err := sink.RecordAssignment(rec); err != nil {
				return err
			}
		}
		if !b.Status.Terminal() {
			continue
		}
		at := b.UpdatedAt
		switch {
		case b.Status == model.StatusWorkCompleted && b.CompletedAt != nil:
			at = *b.CompletedAt
		case b.Status == model.StatusCancelled && b.Cancellation != nil:
			at = b.Cancellation.CancelledAt
		}
		rec := metrics.OutcomeRecord{
			BookingID: b.ID,
			Outcome:   string(b.Status),
			Waves:     b.SearchWave,
			Time:      at,
		}
		if err := sink.RecordOutcome(rec); err != nil {
			return err
		}
	}
	return nil
}
