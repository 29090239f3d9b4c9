package model

import (
	"fmt"
	"time"
)

// BookingStatus defines the lifecycle state of a booking.
type BookingStatus string

const (
	StatusPending          BookingStatus = "pending"
	StatusProviderSearch   BookingStatus = "provider_search"
	StatusProviderAssigned BookingStatus = "provider_assigned"
	StatusProviderOnWay    BookingStatus = "provider_on_way"
	StatusWorkInProgress   BookingStatus = "work_in_progress"
	StatusWorkCompleted    BookingStatus = "work_completed"
	StatusCancelled        BookingStatus = "cancelled"
	StatusNoProvidersFound BookingStatus = "no_providers_found"
)

// Terminal reports whether no further transition may leave this status.
func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusWorkCompleted, StatusCancelled, StatusNoProvidersFound:
		return true
	}
	return false
}

// SchedulingMode distinguishes on-demand jobs from appointments.
type SchedulingMode string

const (
	ModeInstant   SchedulingMode = "instant"
	ModeScheduled SchedulingMode = "scheduled"
)

// UrgencyTier ranks how quickly a customer needs the work done.
type UrgencyTier string

const (
	UrgencyLow    UrgencyTier = "low"
	UrgencyNormal UrgencyTier = "normal"
	UrgencyHigh   UrgencyTier = "high"
	UrgencyUrgent UrgencyTier = "urgent"
)

// OfferPriority maps an urgency tier to the priority rank stamped on job
// offers. Lower rank means higher priority.
func (u UrgencyTier) OfferPriority() int {
	switch u {
	case UrgencyUrgent:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyLow:
		return 4
	default:
		return 3
	}
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServiceLocation is where the work has to be performed.
type ServiceLocation struct {
	Point GeoPoint `json:"point"`
	Area  string   `json:"area,omitempty"`
	City  string   `json:"city,omitempty"`
}

// RadiusExpansion is one audit entry of the booking's widening search.
type RadiusExpansion struct {
	Wave       int       `json:"wave"`
	FromKm     float64   `json:"from_km"`
	ToKm       float64   `json:"to_km"`
	ExpandedAt time.Time `json:"expanded_at"`
}

// Cancellation holds who cancelled a booking, when, why, and the policy
// outcome computed at that moment.
type Cancellation struct {
	ActorID       string    `json:"actor_id"`
	ActorRole     ActorRole `json:"actor_role"`
	Reason        string    `json:"reason"`
	CancelledAt   time.Time `json:"cancelled_at"`
	RefundPercent float64   `json:"refund_percent"`
	RefundAmount  int64     `json:"refund_amount"`
	PenaltyAmount int64     `json:"penalty_amount"`
}

// Booking is the customer's service order and the single point of truth for
// assignment decisions.
type Booking struct {
	ID         string
	CustomerID string
	ServiceID  string
	Location   ServiceLocation

	Mode        SchedulingMode
	ScheduledAt *time.Time
	Urgency     UrgencyTier

	Status BookingStatus

	// Matching state. MatchingExpiresAt is non-nil exactly while the
	// booking sits in provider_search.
	SearchRadiusKm    float64
	SearchWave        int
	MatchingExpiresAt *time.Time
	PendingOffers     int
	RadiusExpansions  []RadiusExpansion

	AssignedProviderID string
	TotalAmount        int64 // minor currency units

	Cancellation *Cancellation
	CompletedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the structural invariants a stored booking must hold.
func (b *Booking) Validate() error {
	if b.ID == "" || b.CustomerID == "" || b.ServiceID == "" {
		return fmt.Errorf("booking %q: missing identifiers", b.ID)
	}
	if b.Mode == ModeScheduled && b.ScheduledAt == nil {
		return fmt.Errorf("booking %s: scheduled mode without scheduled time", b.ID)
	}
	inSearch := b.Status == StatusProviderSearch
	if inSearch != (b.MatchingExpiresAt != nil) {
		return fmt.Errorf("booking %s: matching deadline set=%v but status %s", b.ID, b.MatchingExpiresAt != nil, b.Status)
	}
	for i := 1; i < len(b.RadiusExpansions); i++ {
		if b.RadiusExpansions[i].ToKm <= b.RadiusExpansions[i-1].ToKm {
			return fmt.Errorf("booking %s: radius history not increasing", b.ID)
		}
	}
	return nil
}

// ActorRole identifies who performed an action on a booking.
type ActorRole string

const (
	RoleCustomer ActorRole = "customer"
	RoleProvider ActorRole = "provider"
	RoleSystem   ActorRole = "system"
)

// StatusChange is one append-only audit record of a booking transition.
type StatusChange struct {
	ID         string
	BookingID  string
	FromStatus BookingStatus
	ToStatus   BookingStatus
	ActorID    string
	ActorRole  ActorRole
	Reason     string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// LocationUpdate is a provider position snapshot recorded while the provider
// travels to or works at the job site. Tracking only; never matching input.
type LocationUpdate struct {
	BookingID  string
	ProviderID string
	Point      GeoPoint
	RecordedAt time.Time
}
