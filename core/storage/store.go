package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fixmarket/dispatch/core/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// AcceptOutcome classifies the result of an atomic acceptance attempt.
type AcceptOutcome int

const (
	// AcceptOK means the provider won the booking.
	AcceptOK AcceptOutcome = iota
	// AcceptNotFound means the offer does not exist or belongs to another
	// provider.
	AcceptNotFound
	// AcceptExpired means the offer TTL had lapsed, swept or not.
	AcceptExpired
	// AcceptUnavailable means the offer or booking already reached a
	// terminal matching state, typically because another provider won.
	AcceptUnavailable
)

func (o AcceptOutcome) String() string {
	switch o {
	case AcceptOK:
		return "accepted"
	case AcceptNotFound:
		return "not_found"
	case AcceptExpired:
		return "expired"
	default:
		return "unavailable"
	}
}

// Acceptance reports what an AcceptOffer call did.
type Acceptance struct {
	Outcome AcceptOutcome
	// Booking is the post-acceptance record, populated on AcceptOK.
	Booking *model.Booking
	// CancelledOffers lists the sibling offers cancelled with the win, so
	// callers can inform the losing providers.
	CancelledOffers []*model.JobRequest
}

// StartWave describes one wave of offers to persist together with the
// booking's refreshed search state. Guarded by a compare-and-swap on the
// booking's (status, wave) pair so a concurrent acceptance aborts the wave.
type StartWave struct {
	BookingID  string
	FromStatus model.BookingStatus
	FromWave   int

	Status    model.BookingStatus // always provider_search
	Wave      int
	RadiusKm  float64
	ExpiresAt time.Time
	At        time.Time

	Offers    []*model.JobRequest
	Expansion *model.RadiusExpansion
	// Change is appended to the status history when the wave also moves
	// the booking out of pending. Nil for repeat waves.
	Change *model.StatusChange
}

// Transition describes a conditional status move. The status write and the
// history append are one unit: either both happen or neither does.
type Transition struct {
	BookingID string
	From      model.BookingStatus
	To        model.BookingStatus
	Change    model.StatusChange

	// Optional fields applied with the transition.
	Cancellation *model.Cancellation
	CompletedAt  *time.Time
}

// BookingStore persists bookings and their conditional updates.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *model.Booking) error
	Booking(ctx context.Context, id string) (*model.Booking, error)

	// BookingsNeedingMatching returns bookings in provider_search plus
	// pending bookings whose search should start: instant ones
	// unconditionally, scheduled ones once their appointment falls
	// inside the horizon.
	BookingsNeedingMatching(ctx context.Context, horizon time.Time) ([]*model.Booking, error)

	// BookingsNeedingExpansion returns provider_search bookings whose
	// matching deadline has passed and whose radius is below the ladder
	// maximum.
	BookingsNeedingExpansion(ctx context.Context, now time.Time, maxRadiusKm float64) ([]*model.Booking, error)

	// StartSearchWave persists a wave atomically. Returns false without
	// side effects when the compare-and-swap misses.
	StartSearchWave(ctx context.Context, w StartWave) (bool, error)

	// TransitionBooking applies a conditional status change. Returns false
	// when the booking is no longer in the expected From status.
	TransitionBooking(ctx context.Context, t Transition) (bool, error)

	// AcceptOffer is the single atomic acceptance operation: it succeeds
	// only while the offer is sent and unexpired and the booking is still
	// in provider_search, and in the same unit marks the winner accepted,
	// cancels sibling sent offers, assigns the provider and appends the
	// history entry.
	AcceptOffer(ctx context.Context, offerID, providerID string, now time.Time, change model.StatusChange) (Acceptance, error)
}

// OfferStore persists job offers. Offers are terminal-stamped, never deleted.
type OfferStore interface {
	Offer(ctx context.Context, id string) (*model.JobRequest, error)
	OffersForBooking(ctx context.Context, bookingID string) ([]*model.JobRequest, error)
	SentOfferCount(ctx context.Context, bookingID string) (int, error)

	// DeclineOffer conditionally moves a sent offer to declined. Returns
	// false when the offer is not declinable by this provider.
	DeclineOffer(ctx context.Context, offerID, providerID string, now time.Time) (bool, error)

	// CancelSentOffers terminal-stamps every sent offer of the booking.
	CancelSentOffers(ctx context.Context, bookingID string, now time.Time) (int, error)

	// ExpireDueOffers stamps expired on every sent offer whose TTL lapsed
	// and returns how many were swept.
	ExpireDueOffers(ctx context.Context, now time.Time) (int, error)

	// RecordDelivery stores the notification outcome for audit.
	RecordDelivery(ctx context.Context, offerID string, outcome model.DeliveryOutcome) error
}

// PolicyStore reads per-service cancellation policies.
type PolicyStore interface {
	PolicyForService(ctx context.Context, serviceID string) (*model.CancellationPolicy, error)
}

// HistoryStore reads the append-only transition audit trail.
type HistoryStore interface {
	HistoryForBooking(ctx context.Context, bookingID string) ([]model.StatusChange, error)
}

// LocationStore persists provider tracking snapshots.
type LocationStore interface {
	RecordLocation(ctx context.Context, u model.LocationUpdate) error
	LocationTrail(ctx context.Context, bookingID string) ([]model.LocationUpdate, error)
}

// Store aggregates every persistence concern the engine consumes.
type Store interface {
	BookingStore
	OfferStore
	PolicyStore
	HistoryStore
	LocationStore
}

// ProviderIndex answers ranked geo queries over registered providers.
type ProviderIndex interface {
	// FindMatchingProviders returns providers able to serve serviceID
	// within radiusKm of loc, sorted by distance ascending with ties
	// broken by provider id, at most max entries.
	FindMatchingProviders(ctx context.Context, serviceID string, loc model.GeoPoint, radiusKm float64, max int) ([]model.ProviderMatch, error)
}
