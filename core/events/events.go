package events

import (
	"time"

	"github.com/fixmarket/dispatch/core/model"
)

// OfferIssued asks the notify layer to deliver a new job offer to a provider.
type OfferIssued struct {
	OfferID    string
	BookingID  string
	ProviderID string
	ServiceID  string
	Priority   int
	DistanceKm float64
	TravelTime time.Duration
	ExpiresAt  time.Time
}

// SearchUpdated tells the customer how the provider search is going.
type SearchUpdated struct {
	BookingID  string
	CustomerID string
	Wave       int
	RadiusKm   float64
	OffersSent int
}

// OfferClosed informs a provider that an offer is no longer available,
// with the reason (taken, expired, cancelled).
type OfferClosed struct {
	OfferID    string
	BookingID  string
	ProviderID string
	Reason     string
}

// ProviderAssigned announces the winning provider to both parties.
type ProviderAssigned struct {
	BookingID  string
	CustomerID string
	ProviderID string
	OfferID    string
	AssignedAt time.Time
}

// BookingStatusChanged reports provider-driven progress to the customer.
type BookingStatusChanged struct {
	BookingID  string
	CustomerID string
	ProviderID string
	From       model.BookingStatus
	To         model.BookingStatus
	At         time.Time
}

// WorkCompleted carries the completion certificate handed to rating and
// billing flows.
type WorkCompleted struct {
	CertificateID string
	BookingID     string
	CustomerID    string
	ProviderID    string
	TotalAmount   int64
	CompletedAt   time.Time
}

// BookingCancelled describes a cancellation and its policy outcome.
type BookingCancelled struct {
	BookingID     string
	CustomerID    string
	ProviderID    string
	CancelledBy   model.ActorRole
	Reason        string
	RefundPercent float64
	RefundAmount  int64
	PenaltyAmount int64
	At            time.Time
}

// SearchExhausted tells the customer no provider could be found, with retry
// guidance instead of a raw error.
type SearchExhausted struct {
	BookingID   string
	CustomerID  string
	FinalRadius float64
	Waves       int
	Guidance    string
}

// ProviderLocation relays a tracking snapshot to the customer.
type ProviderLocation struct {
	BookingID  string
	CustomerID string
	ProviderID string
	Point      model.GeoPoint
	At         time.Time
}
