package postgres

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fixmarket/dispatch/core/model"
)

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var (
		b            model.Booking
		mode         string
		urgency      string
		status       string
		expansions   []byte
		assignedID   *string
		cancelActor  *string
		cancelRole   *string
		cancelReason *string
		cancelledAt  *time.Time
		refundPct    *float64
		refundAmt    *int64
		penaltyAmt   *int64
	)
	err := row.Scan(
		&b.ID, &b.CustomerID, &b.ServiceID,
		&b.Location.Point.Lat, &b.Location.Point.Lon, &b.Location.Area, &b.Location.City,
		&mode, &b.ScheduledAt, &urgency, &status,
		&b.SearchRadiusKm, &b.SearchWave, &b.MatchingExpiresAt, &b.PendingOffers,
		&expansions,
		&assignedID, &b.TotalAmount,
		&cancelActor, &cancelRole, &cancelReason, &cancelledAt,
		&refundPct, &refundAmt, &penaltyAmt,
		&b.CompletedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Mode = model.SchedulingMode(mode)
	b.Urgency = model.UrgencyTier(urgency)
	b.Status = model.BookingStatus(status)
	if assignedID != nil {
		b.AssignedProviderID = *assignedID
	}
	if len(expansions) > 0 {
		if err := json.Unmarshal(expansions, &b.RadiusExpansions); err != nil {
			return nil, err
		}
	}
	if cancelledAt != nil {
		c := model.Cancellation{CancelledAt: *cancelledAt}
		if cancelActor != nil {
			c.ActorID = *cancelActor
		}
		if cancelRole != nil {
			c.ActorRole = model.ActorRole(*cancelRole)
		}
		if cancelReason != nil {
			c.Reason = *cancelReason
		}
		if refundPct != nil {
			c.RefundPercent = *refundPct
		}
		if refundAmt != nil {
			c.RefundAmount = *refundAmt
		}
		if penaltyAmt != nil {
			c.PenaltyAmount = *penaltyAmt
		}
		b.Cancellation = &c
	}
	return &b, nil
}

func scanBookings(rows pgx.Rows) ([]*model.Booking, error) {
	defer rows.Close()
	var out []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanOffer(row pgx.Row) (*model.JobRequest, error) {
	var (
		o            model.JobRequest
		status       string
		delivery     string
		travelTimeMs int64
	)
	err := row.Scan(
		&o.ID, &o.BookingID, &o.ProviderID, &o.Priority, &o.Wave, &o.DistanceKm,
		&travelTimeMs, &status, &o.ExpiresAt, &delivery, &o.CreatedAt, &o.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = model.OfferStatus(status)
	o.Delivery = model.DeliveryOutcome(delivery)
	o.TravelTime = time.Duration(travelTimeMs) * time.Millisecond
	return &o, nil
}

func scanOffers(rows pgx.Rows) ([]*model.JobRequest, error) {
	defer rows.Close()
	var out []*model.JobRequest
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func expansionsJSON(xs []model.RadiusExpansion) []byte {
	if len(xs) == 0 {
		return []byte("[]")
	}
	b, err := json.Marshal(xs)
	if err != nil {
		return []byte("[]")
	}
	return b
}
