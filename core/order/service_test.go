package order_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/order"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/infra/memstore"
	"github.com/fixmarket/dispatch/internal/clock"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	store  *memstore.Store
	clock  *clock.Fake
	orders *order.Service
}

type recordingExpander struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingExpander) Expand(_ context.Context, b *model.Booking) (radius.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, b.ID)
	return radius.Expanded, nil
}

func (r *recordingExpander) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newEnv(t *testing.T, exp order.Expander) *env {
	t.Helper()
	st := memstore.New()
	clk := clock.NewFake(t0)
	svc, err := order.NewService(st, nil, nil, clk, nil, exp, 2*time.Second)
	require.NoError(t, err)
	return &env{store: st, clock: clk, orders: svc}
}

func (e *env) seedBooking(t *testing.T, id string, mutate func(*model.Booking)) *model.Booking {
	t.Helper()
	b := &model.Booking{
		ID:          id,
		CustomerID:  "c1",
		ServiceID:   "plumbing",
		Mode:        model.ModeInstant,
		Urgency:     model.UrgencyNormal,
		Status:      model.StatusPending,
		TotalAmount: 10000,
		CreatedAt:   t0,
	}
	if mutate != nil {
		mutate(b)
	}
	require.NoError(t, e.store.CreateBooking(context.Background(), b))
	return b
}

// seedSearch opens wave 1 with one sent offer per provider id.
func (e *env) seedSearch(t *testing.T, bookingID string, providerIDs ...string) []*model.JobRequest {
	t.Helper()
	now := e.clock.Now()
	offers := make([]*model.JobRequest, 0, len(providerIDs))
	for i, pid := range providerIDs {
		offers = append(offers, &model.JobRequest{
			ID:         fmt.Sprintf("o%d", i+1),
			BookingID:  bookingID,
			ProviderID: pid,
			Priority:   3,
			Wave:       1,
			Status:     model.OfferSent,
			ExpiresAt:  now.Add(model.OfferTTL),
			CreatedAt:  now,
		})
	}
	ok, err := e.store.StartSearchWave(context.Background(), storage.StartWave{
		BookingID:  bookingID,
		FromStatus: model.StatusPending,
		FromWave:   0,
		Status:     model.StatusProviderSearch,
		Wave:       1,
		RadiusKm:   15,
		ExpiresAt:  now.Add(model.OfferTTL),
		At:         now,
		Offers:     offers,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return offers
}

func (e *env) assign(t *testing.T, offerID, providerID string) {
	t.Helper()
	res := e.orders.HandleProviderAcceptance(context.Background(), offerID, providerID)
	require.True(t, res.Success, res.Message)
}

func TestAcceptanceAssignsBooking(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1", "p2")

	res := e.orders.HandleProviderAcceptance(ctx, "o1", "p1")
	require.True(t, res.Success, res.Message)

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProviderAssigned, b.Status)
	assert.Equal(t, "p1", b.AssignedProviderID)
	assert.Nil(t, b.MatchingExpiresAt)
	assert.Zero(t, b.PendingOffers)

	sibling, err := e.store.Offer(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, model.OfferCancelled, sibling.Status)
}

func TestAcceptanceSecondProviderLoses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1", "p2")

	require.True(t, e.orders.HandleProviderAcceptance(ctx, "o1", "p1").Success)
	res := e.orders.HandleProviderAcceptance(ctx, "o2", "p2")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no longer available")
}

func TestAcceptanceConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	providers := []string{"p1", "p2", "p3", "p4", "p5"}
	offers := e.seedSearch(t, "b1", providers...)

	var wg sync.WaitGroup
	results := make([]order.Result, len(offers))
	for i, o := range offers {
		wg.Add(1)
		go func(i int, offerID, providerID string) {
			defer wg.Done()
			results[i] = e.orders.HandleProviderAcceptance(ctx, offerID, providerID)
		}(i, o.ID, o.ProviderID)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r.Success {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProviderAssigned, b.Status)
	assert.NotEmpty(t, b.AssignedProviderID)

	accepted := 0
	all, err := e.store.OffersForBooking(ctx, "b1")
	require.NoError(t, err)
	for _, o := range all {
		switch o.Status {
		case model.OfferAccepted:
			accepted++
		case model.OfferCancelled:
		default:
			t.Fatalf("offer %s left in status %s", o.ID, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestAcceptanceExpiredOffer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")

	e.clock.Advance(model.OfferTTL + time.Second)
	res := e.orders.HandleProviderAcceptance(ctx, "o1", "p1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "expired")
}

func TestAcceptanceUnknownOfferOrProvider(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")

	assert.False(t, e.orders.HandleProviderAcceptance(ctx, "nope", "p1").Success)
	// an offer id addressed to somebody else leaks no information
	res := e.orders.HandleProviderAcceptance(ctx, "o1", "p9")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
}

func TestDeclineLastOfferExpandsAfterDebounce(t *testing.T) {
	ctx := context.Background()
	exp := &recordingExpander{}
	e := newEnv(t, exp)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")

	res := e.orders.HandleProviderDecline(ctx, "o1", "p1")
	require.True(t, res.Success, res.Message)
	assert.Zero(t, exp.count(), "expansion must wait for the debounce window")

	e.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, exp.count())
	assert.Equal(t, "b1", exp.calls[0])
}

func TestDeclineDebounceSkipsWhenBookingMovedOn(t *testing.T) {
	ctx := context.Background()
	exp := &recordingExpander{}
	e := newEnv(t, exp)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")

	require.True(t, e.orders.HandleProviderDecline(ctx, "o1", "p1").Success)
	// the search closes before the debounce window elapses
	require.True(t, e.orders.HandleOrderCancellation(ctx, "b1", "c1", model.RoleCustomer, "found elsewhere").Success)

	e.clock.Advance(5 * time.Second)
	assert.Zero(t, exp.count())
}

func TestDeclineWithSiblingsDoesNotExpand(t *testing.T) {
	ctx := context.Background()
	exp := &recordingExpander{}
	e := newEnv(t, exp)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1", "p2")

	require.True(t, e.orders.HandleProviderDecline(ctx, "o1", "p1").Success)
	e.clock.Advance(5 * time.Second)
	assert.Zero(t, exp.count())
}

func TestDoubleDeclineRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1", "p2")

	require.True(t, e.orders.HandleProviderDecline(ctx, "o1", "p1").Success)
	res := e.orders.HandleProviderDecline(ctx, "o1", "p1")
	assert.False(t, res.Success)
}

func TestProviderStatusProgression(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")
	e.assign(t, "o1", "p1")

	for _, to := range []model.BookingStatus{
		model.StatusProviderOnWay,
		model.StatusWorkInProgress,
		model.StatusWorkCompleted,
	} {
		res := e.orders.UpdateProviderStatus(ctx, "b1", "p1", to)
		require.True(t, res.Success, "to %s: %s", to, res.Message)
	}

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWorkCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, e.clock.Now(), *b.CompletedAt)
}

func TestProviderStatusOutOfOrderRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")
	e.assign(t, "o1", "p1")

	// skipping provider_on_way is not coerced
	res := e.orders.UpdateProviderStatus(ctx, "b1", "p1", model.StatusWorkInProgress)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "illegal status transition")

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProviderAssigned, b.Status)
}

func TestProviderStatusWrongProvider(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")
	e.assign(t, "o1", "p1")

	res := e.orders.UpdateProviderStatus(ctx, "b1", "p2", model.StatusProviderOnWay)
	assert.False(t, res.Success)
}

func TestProviderStatusCannotReportSearchStates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")
	e.assign(t, "o1", "p1")

	res := e.orders.UpdateProviderStatus(ctx, "b1", "p1", model.StatusProviderSearch)
	assert.False(t, res.Success)
}

func scheduledAt(hours float64) *time.Time {
	at := t0.Add(time.Duration(hours * float64(time.Hour)))
	return &at
}

func seedPolicy(e *env) {
	e.store.PutPolicy(model.CancellationPolicy{
		ServiceID:              "plumbing",
		FreeHours:              24,
		FreeRefundPercent:      100,
		PartialRefundHours:     4,
		PartialRefundPercent:   50,
		NoRefundPercent:        0,
		ProviderPenaltyPercent: 20,
	})
}

func TestCancellationFreeWindow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPolicy(e)
	e.seedBooking(t, "b1", func(b *model.Booking) {
		b.Mode = model.ModeScheduled
		b.ScheduledAt = scheduledAt(30)
	})

	res := e.orders.HandleOrderCancellation(ctx, "b1", "c1", model.RoleCustomer, "changed my mind")
	require.True(t, res.Success, res.Message)

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)
	require.NotNil(t, b.Cancellation)
	assert.Equal(t, 100.0, b.Cancellation.RefundPercent)
	assert.Equal(t, int64(10000), b.Cancellation.RefundAmount)
	assert.Zero(t, b.Cancellation.PenaltyAmount)
}

func TestCancellationPartialWindow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPolicy(e)
	e.seedBooking(t, "b1", func(b *model.Booking) {
		b.Mode = model.ModeScheduled
		b.ScheduledAt = scheduledAt(10)
	})

	res := e.orders.HandleOrderCancellation(ctx, "b1", "c1", model.RoleCustomer, "conflict")
	require.True(t, res.Success, res.Message)

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, b.Cancellation.RefundPercent)
	assert.Equal(t, int64(5000), b.Cancellation.RefundAmount)
}

func TestCancellationLateByProviderChargesPenalty(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedPolicy(e)
	e.seedBooking(t, "b1", func(b *model.Booking) {
		b.Mode = model.ModeScheduled
		b.ScheduledAt = scheduledAt(2)
		b.Status = model.StatusProviderAssigned
		b.AssignedProviderID = "p1"
	})

	res := e.orders.HandleOrderCancellation(ctx, "b1", "p1", model.RoleProvider, "truck broke down")
	require.True(t, res.Success, res.Message)

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	// customer keeps the full amount, provider pays on top
	assert.Equal(t, 0.0, b.Cancellation.RefundPercent)
	assert.Zero(t, b.Cancellation.RefundAmount)
	assert.Equal(t, int64(2000), b.Cancellation.PenaltyAmount)
}

func TestCancellationDuringSearchClosesOffers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1", "p2")

	res := e.orders.HandleOrderCancellation(ctx, "b1", "c1", model.RoleCustomer, "no longer needed")
	require.True(t, res.Success, res.Message)

	offers, err := e.store.OffersForBooking(ctx, "b1")
	require.NoError(t, err)
	for _, o := range offers {
		assert.Equal(t, model.OfferCancelled, o.Status)
	}
	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)
	assert.Nil(t, b.MatchingExpiresAt)
}

func TestCancellationTerminalBookingRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", func(b *model.Booking) {
		b.Status = model.StatusWorkCompleted
	})

	res := e.orders.HandleOrderCancellation(ctx, "b1", "c1", model.RoleCustomer, "too late")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already closed")
}

func TestCancellationWithoutPolicyDefaultsToFullRefund(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)

	res := e.orders.HandleOrderCancellation(ctx, "b1", "c1", model.RoleCustomer, "mistake")
	require.True(t, res.Success, res.Message)

	b, err := e.store.Booking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, b.Cancellation.RefundPercent)
}

func TestRecordLocationLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")
	e.assign(t, "o1", "p1")

	u := model.LocationUpdate{
		BookingID:  "b1",
		ProviderID: "p1",
		Point:      model.GeoPoint{Lat: 48.85, Lon: 2.35},
	}
	// assigned but not yet travelling
	assert.ErrorIs(t, e.orders.RecordLocation(ctx, u), order.ErrTrackingClosed)

	require.True(t, e.orders.UpdateProviderStatus(ctx, "b1", "p1", model.StatusProviderOnWay).Success)
	require.NoError(t, e.orders.RecordLocation(ctx, u))

	require.True(t, e.orders.UpdateProviderStatus(ctx, "b1", "p1", model.StatusWorkInProgress).Success)
	require.NoError(t, e.orders.RecordLocation(ctx, u))

	trail, err := e.store.LocationTrail(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, trail, 2)
	assert.Equal(t, e.clock.Now(), trail[0].RecordedAt)

	// wrong provider is rejected outright
	u.ProviderID = "p9"
	assert.Error(t, e.orders.RecordLocation(ctx, u))
}

func TestHistoryRecordsEveryTransition(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.seedBooking(t, "b1", nil)
	e.seedSearch(t, "b1", "p1")
	e.assign(t, "o1", "p1")
	require.True(t, e.orders.UpdateProviderStatus(ctx, "b1", "p1", model.StatusProviderOnWay).Success)
	require.True(t, e.orders.UpdateProviderStatus(ctx, "b1", "p1", model.StatusWorkInProgress).Success)
	require.True(t, e.orders.UpdateProviderStatus(ctx, "b1", "p1", model.StatusWorkCompleted).Success)

	history, err := e.store.HistoryForBooking(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, model.StatusProviderAssigned, history[0].ToStatus)
	assert.Equal(t, model.StatusWorkCompleted, history[3].ToStatus)
	for _, h := range history {
		assert.Equal(t, "b1", h.BookingID)
		assert.NotEmpty(t, h.ID)
	}
}
