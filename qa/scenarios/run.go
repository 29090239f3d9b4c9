package scenarios

import (
	"context"
	"testing"
	"time"

	"github.com/fixmarket/dispatch/core/dispatch"
	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/matching"
	coremetrics "github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/order"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/infra/geo"
	"github.com/fixmarket/dispatch/infra/memstore"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

var scenarioStart = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// RunScenario assembles an in-memory stack and plays the scenario script
// against it.
func RunScenario(t *testing.T, sc *Scenario) {
	ctx := context.Background()
	store := memstore.New()
	index := geo.NewStaticIndex()
	clk := clock.NewFake(scenarioStart)
	bus := eventbus.New()
	defer bus.Close()
	sink := coremetrics.NopSink{}

	matcher, err := matching.NewEngine(store, index, bus, sink, clk, logger.Nop{}, matching.Config{})
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	expander, err := radius.NewController(store, matcher, bus, sink, clk, logger.Nop{}, radius.Ladder(radius.DefaultLadderKm))
	if err != nil {
		t.Fatalf("expander: %v", err)
	}
	orders, err := order.NewService(store, bus, sink, clk, logger.Nop{}, expander, 2*time.Second)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	engine, err := dispatch.NewEngine(store, matcher, expander, clk, logger.Nop{}, dispatch.Config{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	for _, p := range sc.Providers {
		index.Upsert(sc.Booking.Service, p.ToProvider())
	}
	if sc.Policy != nil {
		store.PutPolicy(model.CancellationPolicy{
			ServiceID:              sc.Booking.Service,
			FreeHours:              sc.Policy.FreeHours,
			FreeRefundPercent:      sc.Policy.FreeRefundPercent,
			PartialRefundHours:     sc.Policy.PartialRefundHours,
			PartialRefundPercent:   sc.Policy.PartialRefundPercent,
			NoRefundPercent:        sc.Policy.NoRefundPercent,
			ProviderPenaltyPercent: sc.Policy.ProviderPenaltyPercent,
		})
	}
	if err := store.CreateBooking(ctx, sc.Booking.ToModel(scenarioStart)); err != nil {
		t.Fatalf("create booking: %v", err)
	}

	for i, step := range sc.Steps {
		runStep(ctx, t, sc, i, step, engine, orders, store, clk)
	}

	final, err := store.Booking(ctx, sc.Booking.ID)
	if err != nil {
		t.Fatalf("final booking: %v", err)
	}
	if string(final.Status) != sc.Expected.Status {
		t.Errorf("scenario %s: expected status %s, got %s", sc.Name, sc.Expected.Status, final.Status)
	}
	if sc.Expected.Wave != 0 && final.SearchWave != sc.Expected.Wave {
		t.Errorf("scenario %s: expected wave %d, got %d", sc.Name, sc.Expected.Wave, final.SearchWave)
	}
	if sc.Expected.Provider != "" && final.AssignedProviderID != sc.Expected.Provider {
		t.Errorf("scenario %s: expected provider %s, got %q", sc.Name, sc.Expected.Provider, final.AssignedProviderID)
	}
	if sc.Expected.Offers != 0 {
		offers, err := store.OffersForBooking(ctx, sc.Booking.ID)
		if err != nil {
			t.Fatalf("offers: %v", err)
		}
		if len(offers) != sc.Expected.Offers {
			t.Errorf("scenario %s: expected %d offers issued, got %d", sc.Name, sc.Expected.Offers, len(offers))
		}
	}
	if sc.Expected.RefundPercent != nil {
		if final.Cancellation == nil {
			t.Fatalf("scenario %s: expected a cancellation record", sc.Name)
		}
		if final.Cancellation.RefundPercent != *sc.Expected.RefundPercent {
			t.Errorf("scenario %s: expected refund %.0f%%, got %.0f%%",
				sc.Name, *sc.Expected.RefundPercent, final.Cancellation.RefundPercent)
		}
	}
}

func runStep(ctx context.Context, t *testing.T, sc *Scenario, i int, step StepDef,
	engine *dispatch.Engine, orders *order.Service, store *memstore.Store, clk *clock.Fake) {
	switch {
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			t.Fatalf("step %d: bad duration %q: %v", i, step.Advance, err)
		}
		clk.Advance(d)
	case step.Tick:
		engine.Tick(ctx)
	case step.Accept != "":
		offer := openOfferFor(ctx, t, store, sc.Booking.ID, step.Accept)
		if res := orders.HandleProviderAcceptance(ctx, offer, step.Accept); !res.Success {
			t.Fatalf("step %d: accept by %s failed: %s", i, step.Accept, res.Message)
		}
	case step.Decline != "":
		offer := openOfferFor(ctx, t, store, sc.Booking.ID, step.Decline)
		if res := orders.HandleProviderDecline(ctx, offer, step.Decline); !res.Success {
			t.Fatalf("step %d: decline by %s failed: %s", i, step.Decline, res.Message)
		}
	case step.Status != "":
		b, err := store.Booking(ctx, sc.Booking.ID)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		res := orders.UpdateProviderStatus(ctx, sc.Booking.ID, b.AssignedProviderID, model.BookingStatus(step.Status))
		if !res.Success {
			t.Fatalf("step %d: status %s failed: %s", i, step.Status, res.Message)
		}
	case step.Cancel != "":
		role := model.ActorRole(step.Cancel)
		actor := "scenario-customer"
		if role == model.RoleProvider {
			b, err := store.Booking(ctx, sc.Booking.ID)
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			actor = b.AssignedProviderID
		}
		if res := orders.HandleOrderCancellation(ctx, sc.Booking.ID, actor, role, "scenario"); !res.Success {
			t.Fatalf("step %d: cancel as %s failed: %s", i, step.Cancel, res.Message)
		}
	default:
		t.Fatalf("step %d: no action set", i)
	}
}

func openOfferFor(ctx context.Context, t *testing.T, store *memstore.Store, bookingID, providerID string) string {
	offers, err := store.OffersForBooking(ctx, bookingID)
	if err != nil {
		t.Fatalf("offers for %s: %v", bookingID, err)
	}
	for _, o := range offers {
		if o.ProviderID == providerID && o.Status == model.OfferSent {
			return o.ID
		}
	}
	t.Fatalf("no open offer for provider %s on booking %s", providerID, bookingID)
	return ""
}
