package model

import "time"

// OfferStatus is the lifecycle state of a single provider offer.
type OfferStatus string

const (
	OfferSent      OfferStatus = "sent"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// Terminal reports whether the offer can no longer change state.
func (s OfferStatus) Terminal() bool { return s != OfferSent }

// OfferTTL is the fixed window an offer remains acceptable after creation.
const OfferTTL = 5 * time.Minute

// DeliveryOutcome records how the offer notification reached the provider.
type DeliveryOutcome string

const (
	DeliveryNone      DeliveryOutcome = ""
	DeliveryRealtime  DeliveryOutcome = "realtime"
	DeliveryPush      DeliveryOutcome = "push"
	DeliveryNoSession DeliveryOutcome = "no_session"
	DeliveryFailed    DeliveryOutcome = "failed"
)

// JobRequest is a time-boxed invitation for one provider to take one booking.
// Offers are never deleted; they are terminal-stamped for audit.
type JobRequest struct {
	ID         string
	BookingID  string
	ProviderID string

	Priority   int
	Wave       int
	DistanceKm float64
	TravelTime time.Duration

	Status    OfferStatus
	ExpiresAt time.Time

	Delivery DeliveryOutcome

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ExpiredBy reports whether the offer is logically dead at the given instant,
// regardless of whether the expiry sweep has stamped it yet.
func (j *JobRequest) ExpiredBy(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

// ProviderMatch is one ranked candidate returned by the provider index.
type ProviderMatch struct {
	ProviderID string
	Location   GeoPoint
	DistanceKm float64
	TravelTime time.Duration
	Rating     float64
}

// CancellationPolicy carries the per-service refund thresholds. Immutable and
// read-only to the dispatch engine.
type CancellationPolicy struct {
	ServiceID              string  `json:"service_id"`
	FreeHours              float64 `json:"free_hours"`
	FreeRefundPercent      float64 `json:"free_refund_percent"`
	PartialRefundHours     float64 `json:"partial_refund_hours"`
	PartialRefundPercent   float64 `json:"partial_refund_percent"`
	NoRefundPercent        float64 `json:"no_refund_percent"`
	ProviderPenaltyPercent float64 `json:"provider_penalty_percent"`
}
