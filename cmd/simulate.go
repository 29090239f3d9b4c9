package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/fixmarket/dispatch/core/dispatch"
	"github.com/fixmarket/dispatch/core/matching"
	coremetrics "github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/order"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/infra/geo"
	"github.com/fixmarket/dispatch/infra/logger"
	"github.com/fixmarket/dispatch/infra/memstore"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

var (
	simProviders int
	simSeed      int64
)

// simulateCmd seeds an in-memory booking with a ring of providers, runs the
// dispatch loop once and accepts the best offer, printing each step. It is a
// quick smoke check that the matching pipeline holds together end to end.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one matching round against an in-memory fixture",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simProviders, "providers", 8, "number of seeded providers")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 42, "rng seed for provider placement")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	log := logger.New("simulate")
	clk := clock.System()
	bus := eventbus.New()
	defer bus.Close()

	store := memstore.New()
	index := geo.NewStaticIndex()

	center := model.GeoPoint{Lat: 48.8566, Lon: 2.3522}
	rng := rand.New(rand.NewSource(simSeed))
	for i := 0; i < simProviders; i++ {
		p := geo.Provider{
			ID: fmt.Sprintf("sim-provider-%02d", i),
			Location: model.GeoPoint{
				Lat: center.Lat + (rng.Float64()-0.5)*0.5,
				Lon: center.Lon + (rng.Float64()-0.5)*0.5,
			},
			Rating: 3 + rng.Float64()*2,
			Online: true,
		}
		index.Upsert("plumbing", p)
	}

	booking := &model.Booking{
		ID:          "sim-booking-1",
		CustomerID:  "sim-customer-1",
		ServiceID:   "plumbing",
		Location:    model.ServiceLocation{Point: center, City: "Paris"},
		Mode:        model.ModeInstant,
		Urgency:     model.UrgencyHigh,
		Status:      model.StatusPending,
		TotalAmount: 12000,
		CreatedAt:   clk.Now(),
	}
	if err := store.CreateBooking(ctx, booking); err != nil {
		return err
	}

	sink := coremetrics.NopSink{}
	matcher, err := matching.NewEngine(store, index, bus, sink, clk, log, matching.Config{})
	if err != nil {
		return err
	}
	expander, err := radius.NewController(store, matcher, bus, sink, clk, log, radius.DefaultLadderKm)
	if err != nil {
		return err
	}
	orders, err := order.NewService(store, bus, sink, clk, log, expander, 0)
	if err != nil {
		return err
	}
	engine, err := dispatch.NewEngine(store, matcher, expander, clk, log, dispatch.Config{})
	if err != nil {
		return err
	}

	engine.Tick(ctx)

	offers, err := store.OffersForBooking(ctx, booking.ID)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		fmt.Println("no offers issued; no providers inside the first radius rung")
		return nil
	}
	fmt.Printf("wave 1 issued %d offers:\n", len(offers))
	for _, o := range offers {
		fmt.Printf("  %s -> %s  %.1f km  eta %s\n", o.ID, o.ProviderID, o.DistanceKm, o.TravelTime)
	}

	winner := offers[0]
	res := orders.HandleProviderAcceptance(ctx, winner.ID, winner.ProviderID)
	fmt.Printf("accept %s by %s: %v (%s)\n", winner.ID, winner.ProviderID, res.Success, res.Message)

	b, err := store.Booking(ctx, booking.ID)
	if err != nil {
		return err
	}
	fmt.Printf("booking %s: status=%s provider=%s wave=%d radius=%.0fkm\n",
		b.ID, b.Status, b.AssignedProviderID, b.SearchWave, b.SearchRadiusKm)

	history, err := store.HistoryForBooking(ctx, b.ID)
	if err != nil {
		return err
	}
	for _, h := range history {
		fmt.Printf("  %s  %s -> %s (%s)\n", h.CreatedAt.Format(time.RFC3339), h.FromStatus, h.ToStatus, h.Reason)
	}
	return nil
}
