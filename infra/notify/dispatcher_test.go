package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmarket/dispatch/core/events"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

type fakeRealtime struct {
	mu       sync.Mutex
	sessions map[string]bool
	sent     []Message
}

func (f *fakeRealtime) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[m.UserID] {
		return ErrNoSession
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeRealtime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePusher struct {
	mu   sync.Mutex
	fail bool
	sent []Message
}

func (f *fakePusher) Push(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("gateway down")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]model.DeliveryOutcome
}

func (f *fakeRecorder) RecordDelivery(_ context.Context, offerID string, o model.DeliveryOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]model.DeliveryOutcome)
	}
	f.outcomes[offerID] = o
	return nil
}

func (f *fakeRecorder) outcome(offerID string) model.DeliveryOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[offerID]
}

func TestDispatcher_OfferRealtimeDelivery(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	rt := &fakeRealtime{sessions: map[string]bool{"p1": true}}
	rec := &fakeRecorder{}
	d := NewDispatcher(bus, rec, WithRealtime(rt))
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(events.OfferIssued{OfferID: "o1", BookingID: "b1", ProviderID: "p1"})

	require.Eventually(t, func() bool { return rt.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.DeliveryRealtime, rec.outcome("o1"))
	assert.Equal(t, KindOfferIssued, rt.sent[0].Kind)
	assert.Equal(t, model.RoleProvider, rt.sent[0].Role)
}

func TestDispatcher_OfferFallsBackToPush(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	rt := &fakeRealtime{sessions: map[string]bool{}}
	push := &fakePusher{}
	rec := &fakeRecorder{}
	d := NewDispatcher(bus, rec, WithRealtime(rt), WithPush(push))
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(events.OfferIssued{OfferID: "o1", ProviderID: "p1"})

	require.Eventually(t, func() bool { return push.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.DeliveryPush, rec.outcome("o1"))
	assert.Zero(t, rt.count())
}

func TestDispatcher_OfferUndeliveredStillRecorded(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	push := &fakePusher{fail: true}
	rec := &fakeRecorder{}
	d := NewDispatcher(bus, rec, WithPush(push))
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(events.OfferIssued{OfferID: "o1", ProviderID: "p1"})

	require.Eventually(t, func() bool { return rec.outcome("o1") != model.DeliveryNone }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.DeliveryFailed, rec.outcome("o1"))
}

func TestDispatcher_AssignedReachesBothParties(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	rt := &fakeRealtime{sessions: map[string]bool{"cust-1": true, "p1": true}}
	d := NewDispatcher(bus, &fakeRecorder{}, WithRealtime(rt))
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(events.ProviderAssigned{BookingID: "b1", CustomerID: "cust-1", ProviderID: "p1", AssignedAt: time.Now()})

	require.Eventually(t, func() bool { return rt.count() == 2 }, time.Second, 5*time.Millisecond)
	roles := map[model.ActorRole]bool{}
	rt.mu.Lock()
	for _, m := range rt.sent {
		roles[m.Role] = true
	}
	rt.mu.Unlock()
	assert.True(t, roles[model.RoleCustomer])
	assert.True(t, roles[model.RoleProvider])
}

type fakeStreamer struct {
	mu   sync.Mutex
	seen []Kind
}

func (f *fakeStreamer) Stream(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, m.Kind)
	return nil
}

func TestDispatcher_MirrorsToStream(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	st := &fakeStreamer{}
	d := NewDispatcher(bus, &fakeRecorder{}, WithStreamer(st))
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(events.SearchExhausted{BookingID: "b1", CustomerID: "cust-1", Guidance: "try again later"})

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.seen) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, KindSearchFailed, st.seen[0])
}
