package radius

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fixmarket/dispatch/core/events"
	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/matching"
	"github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

// ExhaustedGuidance is the customer-facing explanation attached to a search
// that ran out of radius.
const ExhaustedGuidance = "No providers are available near you right now. Try again later, widen your service window, or pick a scheduled time."

// Outcome reports what an expansion attempt did.
type Outcome int

const (
	// Expanded means the radius grew and a new wave was issued.
	Expanded Outcome = iota
	// Exhausted means the ladder ran out and the booking was closed as
	// no_providers_found.
	Exhausted
	// Aborted means the booking moved on concurrently (e.g. an acceptance
	// landed between the query and the expansion) and nothing was done.
	Aborted
)

// Matcher starts a wave of offers at a given radius.
type Matcher interface {
	StartWave(ctx context.Context, b *model.Booking, radiusKm float64, expansion *model.RadiusExpansion) (int, error)
}

// Controller widens the search for stalled bookings or declares them
// exhausted. Safe for concurrent use.
type Controller struct {
	store  storage.Store
	match  Matcher
	bus    eventbus.EventBus
	sink   metrics.Sink
	clock  clock.Clock
	log    logger.Logger
	ladder Ladder
}

// NewController validates the ladder and builds a controller.
func NewController(store storage.Store, match Matcher, bus eventbus.EventBus, sink metrics.Sink, clk clock.Clock, log logger.Logger, ladder Ladder) (*Controller, error) {
	if store == nil || match == nil {
		return nil, fmt.Errorf("radius: nil store or matcher")
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logger.Nop{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Controller{store: store, match: match, bus: bus, sink: sink, clock: clk, log: log, ladder: ladder}, nil
}

// Ladder returns the configured ladder.
func (c *Controller) Ladder() Ladder { return c.ladder }

// Expand attempts the next rung for a booking whose wave produced no
// acceptance. Either the radius strictly grows and a new wave begins, or the
// search is exhausted and the booking is closed; there is no partial state.
func (c *Controller) Expand(ctx context.Context, b *model.Booking) (Outcome, error) {
	if b.Status != model.StatusProviderSearch {
		return Aborted, nil
	}
	next, ok := c.ladder.Next(b.SearchRadiusKm)
	if !ok {
		return c.exhaust(ctx, b)
	}

	exp := &model.RadiusExpansion{
		Wave:       b.SearchWave + 1,
		FromKm:     b.SearchRadiusKm,
		ToKm:       next,
		ExpandedAt: c.clock.Now(),
	}
	created, err := c.match.StartWave(ctx, b, next, exp)
	if errors.Is(err, matching.ErrWaveConflict) {
		c.log.Debugf("booking %s: expansion aborted, state moved on", b.ID)
		return Aborted, nil
	}
	if err != nil {
		return Aborted, err
	}
	c.log.Infof("booking %s: radius %.0fkm -> %.0fkm, wave %d, %d offers", b.ID, exp.FromKm, exp.ToKm, exp.Wave, created)
	return Expanded, nil
}

// exhaust closes the search: terminal transition, outstanding offers
// cancelled, customer informed with guidance rather than an error.
func (c *Controller) exhaust(ctx context.Context, b *model.Booking) (Outcome, error) {
	now := c.clock.Now()
	ok, err := c.store.TransitionBooking(ctx, storage.Transition{
		BookingID: b.ID,
		From:      model.StatusProviderSearch,
		To:        model.StatusNoProvidersFound,
		Change: model.StatusChange{
			ID:         uuid.NewString(),
			BookingID:  b.ID,
			FromStatus: model.StatusProviderSearch,
			ToStatus:   model.StatusNoProvidersFound,
			ActorRole:  model.RoleSystem,
			Reason:     "radius ladder exhausted",
			CreatedAt:  now,
		},
	})
	if err != nil {
		return Aborted, fmt.Errorf("close exhausted booking %s: %w", b.ID, err)
	}
	if !ok {
		return Aborted, nil
	}
	if n, err := c.store.CancelSentOffers(ctx, b.ID, now); err != nil {
		c.log.Errorf("booking %s: cancel remaining offers: %v", b.ID, err)
	} else if n > 0 {
		c.log.Debugf("booking %s: cancelled %d outstanding offers", b.ID, n)
	}

	if c.bus != nil {
		c.bus.Publish(events.SearchExhausted{
			BookingID:   b.ID,
			CustomerID:  b.CustomerID,
			FinalRadius: b.SearchRadiusKm,
			Waves:       b.SearchWave,
			Guidance:    ExhaustedGuidance,
		})
	}
	if err := c.sink.RecordOutcome(metrics.OutcomeRecord{
		BookingID: b.ID,
		Outcome:   string(model.StatusNoProvidersFound),
		Waves:     b.SearchWave,
		Time:      now,
	}); err != nil {
		c.log.Errorf("outcome metrics error: %v", err)
	}
	c.log.Infof("booking %s: no providers found after %d waves (max %.0fkm)", b.ID, b.SearchWave, b.SearchRadiusKm)
	return Exhausted, nil
}
