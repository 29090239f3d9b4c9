package kpirollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/core/model"
)

type captureSink struct {
	metrics.NopSink
	assignments []metrics.AssignmentRecord
	outcomes    []metrics.OutcomeRecord
}

func (c *captureSink) RecordAssignment(r metrics.AssignmentRecord) error {
	c.assignments = append(c.assignments, r)
	return nil
}

func (c *captureSink) RecordOutcome(r metrics.OutcomeRecord) error {
	c.outcomes = append(c.outcomes, r)
	return nil
}

func TestBackfill(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	done := t0.Add(2 * time.Hour)
	cancelledAt := t0.Add(30 * time.Minute)

	bookings := []*model.Booking{
		{ID: "b1", Status: model.StatusWorkCompleted, AssignedProviderID: "p1", SearchWave: 2, CompletedAt: &done, UpdatedAt: done},
		{ID: "b2", Status: model.StatusCancelled, Cancellation: &model.Cancellation{CancelledAt: cancelledAt}, UpdatedAt: cancelledAt},
		{ID: "b3", Status: model.StatusProviderSearch, UpdatedAt: t0},
		{ID: "b4", Status: model.StatusNoProvidersFound, SearchWave: 3, UpdatedAt: t0},
	}

	sink := &captureSink{}
	require.NoError(t, Backfill(sink, bookings))

	require.Len(t, sink.assignments, 1)
	assert.Equal(t, "b1", sink.assignments[0].BookingID)
	assert.Equal(t, 2, sink.assignments[0].Wave)

	require.Len(t, sink.outcomes, 3)
	assert.Equal(t, "work_completed", sink.outcomes[0].Outcome)
	assert.Equal(t, done, sink.outcomes[0].Time)
	assert.Equal(t, cancelledAt, sink.outcomes[1].Time)
	assert.Equal(t, string(model.StatusNoProvidersFound), sink.outcomes[2].Outcome)
	assert.Equal(t, 3, sink.outcomes[2].Waves)
}
