// Package matching finds and ranks eligible providers for a booking and
// materializes one wave of time-boxed job offers.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fixmarket/dispatch/core/events"
	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/metrics"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/internal/clock"
	"github.com/fixmarket/dispatch/internal/eventbus"
)

// ErrWaveConflict is returned when the booking changed under the wave's
// compare-and-swap, typically because a provider accepted meanwhile.
var ErrWaveConflict = errors.New("matching: booking state changed, wave aborted")

// DefaultMaxProviders caps how many offers one wave creates.
const DefaultMaxProviders = 5

// Config tunes the matching engine.
type Config struct {
	MaxProviders int `json:"max_providers"`
	// TravelSpeedKmh estimates travel time when the index returns none.
	TravelSpeedKmh float64 `json:"travel_speed_kmh"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxProviders <= 0 {
		c.MaxProviders = DefaultMaxProviders
	}
	if c.TravelSpeedKmh <= 0 {
		c.TravelSpeedKmh = 30
	}
}

// Engine issues offer waves. Construct with NewEngine.
type Engine struct {
	store   storage.BookingStore
	index   storage.ProviderIndex
	bus     eventbus.EventBus
	sink    metrics.Sink
	clock   clock.Clock
	log     logger.Logger
	cfg     Config
}

// NewEngine builds a matching engine with its collaborators injected.
func NewEngine(store storage.BookingStore, index storage.ProviderIndex, bus eventbus.EventBus, sink metrics.Sink, clk clock.Clock, log logger.Logger, cfg Config) (*Engine, error) {
	if store == nil || index == nil {
		return nil, fmt.Errorf("matching: nil store or index")
	}
	cfg.SetDefaults()
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logger.Nop{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Engine{store: store, index: index, bus: bus, sink: sink, clock: clk, log: log, cfg: cfg}, nil
}

// FindEligibleProviders queries the index and enforces the ranking contract:
// distance ascending, ties broken by provider id, at most MaxProviders.
func (e *Engine) FindEligibleProviders(ctx context.Context, b *model.Booking, radiusKm float64) ([]model.ProviderMatch, error) {
	cands, err := e.index.FindMatchingProviders(ctx, b.ServiceID, b.Location.Point, radiusKm, e.cfg.MaxProviders)
	if err != nil {
		return nil, fmt.Errorf("provider search: %w", err)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].ProviderID < cands[j].ProviderID
	})
	if len(cands) > e.cfg.MaxProviders {
		cands = cands[:e.cfg.MaxProviders]
	}
	return cands, nil
}

// StartWave runs one matching round for the booking at the given radius and
// persists the resulting offers. expansion is non-nil when the wave follows a
// radius expansion and is stored on the booking's audit trail. Returns the
// number of offers created. A booking whose state moved on concurrently
// yields ErrWaveConflict and no side effects.
//
// Zero eligible providers is not an error: the wave is recorded with an empty
// offer set so the expiry path picks the booking up again.
func (e *Engine) StartWave(ctx context.Context, b *model.Booking, radiusKm float64, expansion *model.RadiusExpansion) (int, error) {
	now := e.clock.Now()
	cands, err := e.FindEligibleProviders(ctx, b, radiusKm)
	if err != nil {
		return 0, err
	}

	wave := b.SearchWave + 1
	expiresAt := now.Add(model.OfferTTL)
	offers := make([]*model.JobRequest, 0, len(cands))
	for _, c := range cands {
		offers = append(offers, &model.JobRequest{
			ID:         uuid.NewString(),
			BookingID:  b.ID,
			ProviderID: c.ProviderID,
			Priority:   b.Urgency.OfferPriority(),
			Wave:       wave,
			DistanceKm: c.DistanceKm,
			TravelTime: e.travelTime(c),
			Status:     model.OfferSent,
			ExpiresAt:  expiresAt,
			CreatedAt:  now,
		})
	}

	sw := storage.StartWave{
		BookingID:  b.ID,
		FromStatus: b.Status,
		FromWave:   b.SearchWave,
		Status:     model.StatusProviderSearch,
		Wave:       wave,
		RadiusKm:   radiusKm,
		ExpiresAt:  expiresAt,
		At:         now,
		Offers:     offers,
		Expansion:  expansion,
	}
	if b.Status == model.StatusPending {
		sw.Change = &model.StatusChange{
			ID:         uuid.NewString(),
			BookingID:  b.ID,
			FromStatus: model.StatusPending,
			ToStatus:   model.StatusProviderSearch,
			ActorRole:  model.RoleSystem,
			Reason:     "matching started",
			CreatedAt:  now,
		}
	}
	ok, err := e.store.StartSearchWave(ctx, sw)
	if err != nil {
		return 0, fmt.Errorf("start wave %d for booking %s: %w", wave, b.ID, err)
	}
	if !ok {
		return 0, ErrWaveConflict
	}

	e.log.Infof("booking %s wave %d: %d offers at %.0fkm", b.ID, wave, len(offers), radiusKm)
	e.publish(b, offers, wave, radiusKm)
	e.record(b, offers, wave, radiusKm, now)
	return len(offers), nil
}

func (e *Engine) travelTime(c model.ProviderMatch) time.Duration {
	if c.TravelTime > 0 {
		return c.TravelTime
	}
	hours := c.DistanceKm / e.cfg.TravelSpeedKmh
	return time.Duration(hours * float64(time.Hour))
}

// publish emits the notification intents for the wave. Delivery happens on
// the consumer side of the bus; matching never waits on it.
func (e *Engine) publish(b *model.Booking, offers []*model.JobRequest, wave int, radiusKm float64) {
	if e.bus == nil {
		return
	}
	for _, o := range offers {
		e.bus.Publish(events.OfferIssued{
			OfferID:    o.ID,
			BookingID:  b.ID,
			ProviderID: o.ProviderID,
			ServiceID:  b.ServiceID,
			Priority:   o.Priority,
			DistanceKm: o.DistanceKm,
			TravelTime: o.TravelTime,
			ExpiresAt:  o.ExpiresAt,
		})
	}
	e.bus.Publish(events.SearchUpdated{
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		Wave:       wave,
		RadiusKm:   radiusKm,
		OffersSent: len(offers),
	})
}

func (e *Engine) record(b *model.Booking, offers []*model.JobRequest, wave int, radiusKm float64, now time.Time) {
	if len(offers) == 0 {
		return
	}
	recs := make([]metrics.MatchRecord, 0, len(offers))
	for _, o := range offers {
		recs = append(recs, metrics.MatchRecord{
			BookingID:  b.ID,
			ProviderID: o.ProviderID,
			ServiceID:  b.ServiceID,
			Wave:       wave,
			RadiusKm:   radiusKm,
			DistanceKm: o.DistanceKm,
			Urgency:    string(b.Urgency),
			Time:       now,
		})
	}
	if err := e.sink.RecordMatches(recs); err != nil {
		e.log.Errorf("match metrics error: %v", err)
	}
}
