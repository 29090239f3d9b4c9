package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fixmarket/dispatch/core/logger"
	"github.com/fixmarket/dispatch/core/matching"
	"github.com/fixmarket/dispatch/core/monitoring"
	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/radius"
	"github.com/fixmarket/dispatch/core/storage"
	"github.com/fixmarket/dispatch/internal/clock"
)

// DefaultTickInterval is the polling cadence of the scheduler.
const DefaultTickInterval = 5 * time.Second

// DefaultScheduledLead is how long before the appointment a scheduled
// booking enters provider search.
const DefaultScheduledLead = time.Hour

// Config tunes the scheduler loop.
type Config struct {
	TickSeconds int `json:"tick_seconds"`
	// ScheduledLeadMinutes is the head start given to scheduled
	// bookings before their appointment time.
	ScheduledLeadMinutes int `json:"scheduled_lead_minutes"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TickSeconds <= 0 {
		c.TickSeconds = int(DefaultTickInterval / time.Second)
	}
	if c.ScheduledLeadMinutes <= 0 {
		c.ScheduledLeadMinutes = int(DefaultScheduledLead / time.Minute)
	}
}

// ScheduledLead returns the scheduled-booking head start as a duration.
func (c Config) ScheduledLead() time.Duration {
	return time.Duration(c.ScheduledLeadMinutes) * time.Minute
}

// Interval returns the tick cadence as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// Matcher starts one wave of offers. Implemented by matching.Engine.
type Matcher interface {
	StartWave(ctx context.Context, b *model.Booking, radiusKm float64, expansion *model.RadiusExpansion) (int, error)
}

// Expander widens or closes a stalled search. Implemented by
// radius.Controller.
type Expander interface {
	Expand(ctx context.Context, b *model.Booking) (radius.Outcome, error)
	Ladder() radius.Ladder
}

// TickStats summarizes what one tick did.
type TickStats struct {
	ExpiredOffers int
	WavesStarted  int
	Expanded      int
	Exhausted     int
	Errors        int
}

// Engine is the dispatch scheduler. Construct with NewEngine; drive it with
// Run for the recurring loop or Tick for a single deterministic pass.
type Engine struct {
	store  storage.Store
	match  Matcher
	expand Expander
	clock  clock.Clock
	log    logger.Logger
	tick   time.Duration
	lead   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine builds a scheduler with its dependencies injected.
func NewEngine(store storage.Store, match Matcher, expand Expander, clk clock.Clock, log logger.Logger, cfg Config) (*Engine, error) {
	if store == nil || match == nil || expand == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewEngine")
	}
	cfg.SetDefaults()
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Engine{store: store, match: match, expand: expand, clock: clk, log: log, tick: cfg.Interval(), lead: cfg.ScheduledLead()}, nil
}

// Run executes ticks on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Start launches Run on a background goroutine. Stop cancels it and waits.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	done := make(chan struct{})
	e.done = done
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
}

// Stop halts the loop started by Start and blocks until it exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick runs one scheduler pass: sweep expired offers, widen stalled searches
// first, then start waves for fresh bookings. A booking expanded in this
// tick is excluded from the matching pass so it is never processed twice.
func (e *Engine) Tick(ctx context.Context) TickStats {
	started := time.Now()
	now := e.clock.Now()
	var stats TickStats

	if n, err := e.store.ExpireDueOffers(ctx, now); err != nil {
		stats.Errors++
		tickErrors.Inc()
		e.log.Errorf("tick: expire offers: %v", err)
	} else if n > 0 {
		stats.ExpiredOffers = n
		offersExpired.Add(float64(n))
		e.log.Debugf("tick: swept %d expired offers", n)
	}

	handled := e.runExpansions(ctx, now, &stats)
	e.runMatching(ctx, now, handled, &stats)

	ticksTotal.Inc()
	tickDuration.Observe(time.Since(started).Seconds())
	return stats
}

// runExpansions processes the time-sensitive candidates: searches whose wave
// elapsed with no acceptance and room left on the ladder. Returns the set of
// booking ids already handled this tick.
func (e *Engine) runExpansions(ctx context.Context, now time.Time, stats *TickStats) map[string]bool {
	handled := make(map[string]bool)
	candidates, err := e.store.BookingsNeedingExpansion(ctx, now, e.expand.Ladder().Max())
	if err != nil {
		stats.Errors++
		tickErrors.Inc()
		e.log.Errorf("tick: query expansion candidates: %v", err)
		return handled
	}
	for _, b := range candidates {
		handled[b.ID] = true
		bookingsHandled.WithLabelValues("expansion").Inc()
		e.applyExpansion(ctx, b, stats)
	}
	return handled
}

func (e *Engine) applyExpansion(ctx context.Context, b *model.Booking, stats *TickStats) {
	out, err := e.expand.Expand(ctx, b)
	if err != nil {
		stats.Errors++
		tickErrors.Inc()
		monitoring.CaptureException(err, map[string]string{"component": "dispatch", "booking_id": b.ID})
		e.log.Errorf("tick: expand booking %s: %v", b.ID, err)
		return
	}
	switch out {
	case radius.Expanded:
		stats.Expanded++
	case radius.Exhausted:
		stats.Exhausted++
		searchesExhausted.Inc()
	}
}

// runMatching handles fresh bookings and searches whose deadline passed at
// the top of the ladder. Scheduled bookings become fresh once they enter the
// lead window before their appointment.
func (e *Engine) runMatching(ctx context.Context, now time.Time, handled map[string]bool, stats *TickStats) {
	candidates, err := e.store.BookingsNeedingMatching(ctx, now.Add(e.lead))
	if err != nil {
		stats.Errors++
		tickErrors.Inc()
		e.log.Errorf("tick: query matching candidates: %v", err)
		return
	}
	for _, b := range candidates {
		if handled[b.ID] {
			continue
		}
		switch {
		case b.Status == model.StatusPending:
			bookingsHandled.WithLabelValues("matching").Inc()
			e.startFirstWave(ctx, b, stats)
		case b.MatchingExpiresAt != nil && now.After(*b.MatchingExpiresAt):
			// Deadline passed with no rung left below the maximum:
			// resolve through the expansion path, which closes the
			// search when the ladder is exhausted.
			bookingsHandled.WithLabelValues("expiry").Inc()
			e.applyExpansion(ctx, b, stats)
		}
	}
}

func (e *Engine) startFirstWave(ctx context.Context, b *model.Booking, stats *TickStats) {
	created, err := e.match.StartWave(ctx, b, e.expand.Ladder().First(), nil)
	if errors.Is(err, matching.ErrWaveConflict) {
		e.log.Debugf("tick: booking %s changed before its first wave", b.ID)
		return
	}
	if err != nil {
		stats.Errors++
		tickErrors.Inc()
		monitoring.CaptureException(err, map[string]string{"component": "dispatch", "booking_id": b.ID})
		e.log.Errorf("tick: first wave for booking %s: %v", b.ID, err)
		return
	}
	stats.WavesStarted++
	e.log.Debugf("tick: booking %s entered provider search with %d offers", b.ID, created)
}
