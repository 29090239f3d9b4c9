package radius_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmarket/dispatch/core/events"
	"github.com/fixmarket/dispatch/core/matching"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/infra/memstore"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

type fakeMatcher struct {
	created int
	err     error

	gotRadius    float64
	gotExpansion *model.RadiusExpansion
	calls        int
}

func (f *fakeMatcher) StartWave(_ context.Context, _ *model.Booking, radiusKm float64, exp *model.RadiusExpansion) (int, error) {
	f.calls++
	f.gotRadius = radiusKm
	f.gotExpansion = exp
	return f.created, f.err
}

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func searchingBooking(t *testing.T, st *memstore.Store, radiusKm float64, wave int) *model.Booking {
	t.Helper()
	ctx := context.Background()
	b := &model.Booking{
		ID:         "b1",
		CustomerID: "c1",
		ServiceID:  "plumbing",
		Mode:       model.ModeInstant,
		Urgency:    model.UrgencyNormal,
		Status:     model.StatusPending,
		CreatedAt:  t0,
	}
	require.NoError(t, st.CreateBooking(ctx, b))
	expires := t0.Add(model.OfferTTL)
	ok, err := st.StartSearchWave(ctx, storage.StartWave{
		BookingID:  "b1",
		FromStatus: model.StatusPending,
		FromWave:   0,
		Status:     model.StatusProviderSearch,
		Wave:       wave,
		RadiusKm:   radiusKm,
		ExpiresAt:  expires,
		At:         t0,
	})
	require.NoError(t, err)
	require.True(t, ok)
	got, err := st.Booking(ctx, "b1")
	require.NoError(t, err)
	return got
}

func TestLadderValidate(t *testing.T) {
	assert.NoError(t, radius.Ladder{15, 25, 40}.Validate())
	assert.ErrorIs(t, radius.Ladder{}.Validate(), radius.ErrEmptyLadder)
	assert.Error(t, radius.Ladder{15, 15}.Validate())
	assert.Error(t, radius.Ladder{15, 10}.Validate())
	assert.Error(t, radius.Ladder{-5, 10}.Validate())
}

func TestLadderNext(t *testing.T) {
	l := radius.Ladder{15, 25, 40}

	next, ok := l.Next(15)
	require.True(t, ok)
	assert.Equal(t, 25.0, next)

	next, ok = l.Next(0)
	require.True(t, ok)
	assert.Equal(t, 15.0, next)

	// off-ladder radius climbs to the nearest rung above
	next, ok = l.Next(20)
	require.True(t, ok)
	assert.Equal(t, 25.0, next)

	_, ok = l.Next(40)
	assert.False(t, ok)
}

func TestExpandClimbsOneRung(t *testing.T) {
	st := memstore.New()
	m := &fakeMatcher{created: 3}
	clk := clock.NewFake(t0.Add(6 * time.Minute))
	ctrl, err := radius.NewController(st, m, nil, nil, clk, nil, radius.Ladder{15, 25, 40})
	require.NoError(t, err)

	b := searchingBooking(t, st, 15, 1)
	out, err := ctrl.Expand(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, radius.Expanded, out)
	assert.Equal(t, 25.0, m.gotRadius)
	require.NotNil(t, m.gotExpansion)
	assert.Equal(t, 2, m.gotExpansion.Wave)
	assert.Equal(t, 15.0, m.gotExpansion.FromKm)
	assert.Equal(t, 25.0, m.gotExpansion.ToKm)
}

func TestExpandAbortsWhenBookingMovedOn(t *testing.T) {
	st := memstore.New()
	m := &fakeMatcher{}
	ctrl, err := radius.NewController(st, m, nil, nil, nil, nil, radius.Ladder{15, 25})
	require.NoError(t, err)

	b := searchingBooking(t, st, 15, 1)
	b.Status = model.StatusProviderAssigned
	out, err := ctrl.Expand(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, radius.Aborted, out)
	assert.Zero(t, m.calls)
}

func TestExpandAbortsOnWaveConflict(t *testing.T) {
	st := memstore.New()
	m := &fakeMatcher{err: matching.ErrWaveConflict}
	ctrl, err := radius.NewController(st, m, nil, nil, nil, nil, radius.Ladder{15, 25})
	require.NoError(t, err)

	b := searchingBooking(t, st, 15, 1)
	out, err := ctrl.Expand(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, radius.Aborted, out)
}

func TestExpandPropagatesMatcherError(t *testing.T) {
	st := memstore.New()
	m := &fakeMatcher{err: errors.New("index down")}
	ctrl, err := radius.NewController(st, m, nil, nil, nil, nil, radius.Ladder{15, 25})
	require.NoError(t, err)

	b := searchingBooking(t, st, 15, 1)
	out, err := ctrl.Expand(context.Background(), b)
	require.Error(t, err)
	assert.Equal(t, radius.Aborted, out)
}

func TestExhaustClosesSearch(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	m := &fakeMatcher{}
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	clk := clock.NewFake(t0.Add(20 * time.Minute))
	ctrl, err := radius.NewController(st, m, bus, nil, clk, nil, radius.Ladder{15, 25, 40})
	require.NoError(t, err)

	b := searchingBooking(t, st, 40, 3)
	out, err := ctrl.Expand(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, radius.Exhausted, out)
	assert.Zero(t, m.calls)

	got, err := st.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoProvidersFound, got.Status)
	assert.Nil(t, got.MatchingExpiresAt)

	select {
	case ev := <-sub:
		ex, ok := ev.(events.SearchExhausted)
		require.True(t, ok, "unexpected event %T", ev)
		assert.Equal(t, "b1", ex.BookingID)
		assert.Equal(t, radius.ExhaustedGuidance, ex.Guidance)
	case <-time.After(time.Second):
		t.Fatal("no exhaustion event published")
	}

	history, err := st.HistoryForBooking(ctx, "b1")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, model.StatusProviderSearch, last.FromStatus)
	assert.Equal(t, model.StatusNoProvidersFound, last.ToStatus)
	assert.Equal(t, model.RoleSystem, last.ActorRole)
}

func TestNewControllerRejectsBadLadder(t *testing.T) {
	_, err := radius.NewController(memstore.New(), &fakeMatcher{}, nil, nil, nil, nil, radius.Ladder{})
	assert.ErrorIs(t, err, radius.ErrEmptyLadder)
}
