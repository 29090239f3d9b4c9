package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmarket/dispatch/core/events"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

type fakeIndex struct {
	matches []model.ProviderMatch
	err     error

	gotService string
	gotRadius  float64
	gotMax     int
}

func (f *fakeIndex) FindMatchingProviders(_ context.Context, serviceID string, _ model.GeoPoint, radiusKm float64, max int) ([]model.ProviderMatch, error) {
	f.gotService = serviceID
	f.gotRadius = radiusKm
	f.gotMax = max
	return f.matches, f.err
}

type fakeStore struct {
	waves []storage.StartWave
	ok    bool
	err   error
}

func (f *fakeStore) CreateBooking(context.Context, *model.Booking) error { return nil }
func (f *fakeStore) Booking(context.Context, string) (*model.Booking, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeStore) BookingsNeedingMatching(context.Context, time.Time) ([]*model.Booking, error) {
	return nil, nil
}
func (f *fakeStore) BookingsNeedingExpansion(context.Context, time.Time, float64) ([]*model.Booking, error) {
	return nil, nil
}
func (f *fakeStore) StartSearchWave(_ context.Context, w storage.StartWave) (bool, error) {
	f.waves = append(f.waves, w)
	return f.ok, f.err
}
func (f *fakeStore) TransitionBooking(context.Context, storage.Transition) (bool, error) {
	return false, nil
}
func (f *fakeStore) AcceptOffer(context.Context, string, string, time.Time, model.StatusChange) (storage.Acceptance, error) {
	return storage.Acceptance{}, nil
}

func pendingBooking() *model.Booking {
	return &model.Booking{
		ID:         "b1",
		CustomerID: "c1",
		ServiceID:  "plumbing",
		Location:   model.ServiceLocation{Point: model.GeoPoint{Lat: 48.85, Lon: 2.35}},
		Mode:       model.ModeInstant,
		Urgency:    model.UrgencyUrgent,
		Status:     model.StatusPending,
	}
}

func match(id string, km float64) model.ProviderMatch {
	return model.ProviderMatch{ProviderID: id, DistanceKm: km}
}

func TestFindEligibleProvidersRanking(t *testing.T) {
	idx := &fakeIndex{matches: []model.ProviderMatch{
		match("p-far", 12),
		match("p-b", 3),
		match("p-a", 3),
		match("p-near", 1),
	}}
	eng, err := NewEngine(&fakeStore{ok: true}, idx, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	got, err := eng.FindEligibleProviders(context.Background(), pendingBooking(), 15)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "p-near", got[0].ProviderID)
	assert.Equal(t, "p-a", got[1].ProviderID)
	assert.Equal(t, "p-b", got[2].ProviderID)
	assert.Equal(t, "p-far", got[3].ProviderID)
	assert.Equal(t, "plumbing", idx.gotService)
	assert.Equal(t, 15.0, idx.gotRadius)
}

func TestFindEligibleProvidersCap(t *testing.T) {
	idx := &fakeIndex{matches: []model.ProviderMatch{
		match("p1", 1), match("p2", 2), match("p3", 3),
	}}
	eng, err := NewEngine(&fakeStore{ok: true}, idx, nil, nil, nil, nil, Config{MaxProviders: 2})
	require.NoError(t, err)

	got, err := eng.FindEligibleProviders(context.Background(), pendingBooking(), 15)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ProviderID)
	assert.Equal(t, "p2", got[1].ProviderID)
}

func TestStartWaveCreatesOffers(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	st := &fakeStore{ok: true}
	idx := &fakeIndex{matches: []model.ProviderMatch{
		match("p1", 2),
		{ProviderID: "p2", DistanceKm: 8, TravelTime: 20 * time.Minute},
	}}
	eng, err := NewEngine(st, idx, nil, nil, clk, nil, Config{TravelSpeedKmh: 60})
	require.NoError(t, err)

	n, err := eng.StartWave(context.Background(), pendingBooking(), 15, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, st.waves, 1)
	w := st.waves[0]
	assert.Equal(t, "b1", w.BookingID)
	assert.Equal(t, model.StatusPending, w.FromStatus)
	assert.Equal(t, 0, w.FromWave)
	assert.Equal(t, model.StatusProviderSearch, w.Status)
	assert.Equal(t, 1, w.Wave)
	assert.Equal(t, 15.0, w.RadiusKm)
	assert.Equal(t, t0.Add(model.OfferTTL), w.ExpiresAt)
	require.NotNil(t, w.Change)
	assert.Equal(t, model.StatusPending, w.Change.FromStatus)
	assert.Equal(t, model.StatusProviderSearch, w.Change.ToStatus)
	assert.Equal(t, model.RoleSystem, w.Change.ActorRole)

	require.Len(t, w.Offers, 2)
	o := w.Offers[0]
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "p1", o.ProviderID)
	assert.Equal(t, 1, o.Priority)
	assert.Equal(t, 1, o.Wave)
	assert.Equal(t, model.OfferSent, o.Status)
	assert.Equal(t, t0.Add(model.OfferTTL), o.ExpiresAt)
	// 2 km at 60 km/h
	assert.Equal(t, 2*time.Minute, o.TravelTime)
	// index-provided travel time wins over the estimate
	assert.Equal(t, 20*time.Minute, w.Offers[1].TravelTime)
}

func TestStartWaveDuringSearchOmitsChange(t *testing.T) {
	st := &fakeStore{ok: true}
	b := pendingBooking()
	b.Status = model.StatusProviderSearch
	b.SearchWave = 1
	eng, err := NewEngine(st, &fakeIndex{matches: []model.ProviderMatch{match("p1", 2)}}, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	_, err = eng.StartWave(context.Background(), b, 25, &model.RadiusExpansion{Wave: 2, FromKm: 15, ToKm: 25})
	require.NoError(t, err)
	require.Len(t, st.waves, 1)
	assert.Nil(t, st.waves[0].Change)
	assert.Equal(t, 2, st.waves[0].Wave)
	assert.Equal(t, 1, st.waves[0].FromWave)
	require.NotNil(t, st.waves[0].Expansion)
}

func TestStartWaveZeroProviders(t *testing.T) {
	st := &fakeStore{ok: true}
	eng, err := NewEngine(st, &fakeIndex{}, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	n, err := eng.StartWave(context.Background(), pendingBooking(), 15, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, st.waves, 1)
	assert.Empty(t, st.waves[0].Offers)
}

func TestStartWaveConflict(t *testing.T) {
	st := &fakeStore{ok: false}
	eng, err := NewEngine(st, &fakeIndex{matches: []model.ProviderMatch{match("p1", 2)}}, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	_, err = eng.StartWave(context.Background(), pendingBooking(), 15, nil)
	assert.ErrorIs(t, err, ErrWaveConflict)
}

func TestStartWaveIndexError(t *testing.T) {
	eng, err := NewEngine(&fakeStore{ok: true}, &fakeIndex{err: errors.New("redis down")}, nil, nil, nil, nil, Config{})
	require.NoError(t, err)

	_, err = eng.StartWave(context.Background(), pendingBooking(), 15, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider search")
}

func TestStartWavePublishesEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	eng, err := NewEngine(&fakeStore{ok: true}, &fakeIndex{matches: []model.ProviderMatch{match("p1", 2)}}, bus, nil, nil, nil, Config{})
	require.NoError(t, err)

	_, err = eng.StartWave(context.Background(), pendingBooking(), 15, nil)
	require.NoError(t, err)

	var issued []events.OfferIssued
	var updated []events.SearchUpdated
	timeout := time.After(time.Second)
	for len(issued) < 1 || len(updated) < 1 {
		select {
		case ev := <-sub:
			switch e := ev.(type) {
			case events.OfferIssued:
				issued = append(issued, e)
			case events.SearchUpdated:
				updated = append(updated, e)
			}
		case <-timeout:
			t.Fatalf("events not published: issued=%d updated=%d", len(issued), len(updated))
		}
	}
	assert.Equal(t, "p1", issued[0].ProviderID)
	assert.Equal(t, "b1", issued[0].BookingID)
	assert.Equal(t, 1, updated[0].Wave)
	assert.Equal(t, 1, updated[0].OffersSent)
}
