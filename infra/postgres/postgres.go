// Package postgres implements storage.Store on PostgreSQL via pgx. Every
// conditional update is a single guarded statement or a short transaction,
// so the acceptance race is settled by the database, not by the process.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/storage"
)

// Config holds the connection settings.
type Config struct {
	DSN             string        `json:"dsn"`
	MaxConns        int32         `json:"max_conns"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	ApplyMigrations bool          `json:"apply_migrations"`
}

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool}
	if cfg.ApplyMigrations {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateBooking(ctx context.Context, b *model.Booking) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bookings (
			id, customer_id, service_id,
			lat, lon, area, city,
			mode, scheduled_at, urgency, status,
			search_radius_km, search_wave, matching_expires_at, pending_offers,
			radius_expansions,
			assigned_provider_id, total_amount,
			created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16,
			NULLIF($17, ''), $18,
			$19, $20
		)`,
		b.ID, b.CustomerID, b.ServiceID,
		b.Location.Point.Lat, b.Location.Point.Lon, b.Location.Area, b.Location.City,
		string(b.Mode), b.ScheduledAt, string(b.Urgency), string(b.Status),
		b.SearchRadiusKm, b.SearchWave, b.MatchingExpiresAt, b.PendingOffers,
		expansionsJSON(b.RadiusExpansions),
		b.AssignedProviderID, b.TotalAmount,
		b.CreatedAt, b.UpdatedAt,
	)
	return err
}

const bookingColumns = `
	id, customer_id, service_id,
	lat, lon, area, city,
	mode, scheduled_at, urgency, status,
	search_radius_km, search_wave, matching_expires_at, pending_offers,
	radius_expansions,
	assigned_provider_id, total_amount,
	cancel_actor_id, cancel_actor_role, cancel_reason, cancelled_at,
	cancel_refund_percent, cancel_refund_amount, cancel_penalty_amount,
	completed_at, created_at, updated_at`

func (s *Store) Booking(ctx context.Context, id string) (*model.Booking, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return b, err
}

func (s *Store) BookingsNeedingMatching(ctx context.Context, horizon time.Time) ([]*model.Booking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'provider_search'
		   OR (status = 'pending' AND (mode = 'instant'
		       OR (mode = 'scheduled' AND scheduled_at <= $1)))
		ORDER BY created_at, id`, horizon)
	if err != nil {
		return nil, err
	}
	return scanBookings(rows)
}

func (s *Store) BookingsNeedingExpansion(ctx context.Context, now time.Time, maxRadiusKm float64) ([]*model.Booking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'provider_search'
		  AND matching_expires_at < $1
		  AND search_radius_km < $2
		ORDER BY created_at, id`, now, maxRadiusKm)
	if err != nil {
		return nil, err
	}
	return scanBookings(rows)
}

func (s *Store) StartSearchWave(ctx context.Context, w storage.StartWave) (ok bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	var expJSON any
	if w.Expansion != nil {
		expJSON = expansionsJSON([]model.RadiusExpansion{*w.Expansion})
	}
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = $1,
		    search_radius_km = $2,
		    search_wave = $3,
		    matching_expires_at = $4,
		    pending_offers = $5,
		    radius_expansions = radius_expansions || COALESCE($6::jsonb, '[]'::jsonb),
		    updated_at = $7
		WHERE id = $8 AND status = $9 AND search_wave = $10`,
		string(w.Status), w.RadiusKm, w.Wave, w.ExpiresAt, len(w.Offers),
		expJSON, w.At,
		w.BookingID, string(w.FromStatus), w.FromWave,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	for _, o := range w.Offers {
		if err := insertOffer(ctx, tx, o); err != nil {
			return false, err
		}
	}
	if w.Change != nil {
		if err := appendChange(ctx, tx, *w.Change); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) TransitionBooking(ctx context.Context, t storage.Transition) (ok bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	var c model.Cancellation
	if t.Cancellation != nil {
		c = *t.Cancellation
	}
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = $1,
		    matching_expires_at = CASE WHEN $1 = 'provider_search' THEN matching_expires_at ELSE NULL END,
		    cancel_actor_id = COALESCE(NULLIF($2, ''), cancel_actor_id),
		    cancel_actor_role = COALESCE(NULLIF($3, ''), cancel_actor_role),
		    cancel_reason = COALESCE(NULLIF($4, ''), cancel_reason),
		    cancelled_at = COALESCE($5, cancelled_at),
		    cancel_refund_percent = CASE WHEN $5 IS NULL THEN cancel_refund_percent ELSE $6 END,
		    cancel_refund_amount = CASE WHEN $5 IS NULL THEN cancel_refund_amount ELSE $7 END,
		    cancel_penalty_amount = CASE WHEN $5 IS NULL THEN cancel_penalty_amount ELSE $8 END,
		    completed_at = COALESCE($9, completed_at),
		    updated_at = $10
		WHERE id = $11 AND status = $12`,
		string(t.To),
		c.ActorID, string(c.ActorRole), c.Reason, nilTime(t.Cancellation != nil, c.CancelledAt),
		c.RefundPercent, c.RefundAmount, c.PenaltyAmount,
		t.CompletedAt, t.Change.CreatedAt,
		t.BookingID, string(t.From),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := appendChange(ctx, tx, t.Change); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AcceptOffer(ctx context.Context, offerID, providerID string, now time.Time, change model.StatusChange) (storage.Acceptance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.Acceptance{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		bookingID string
		status    string
		expiresAt time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT booking_id, status, expires_at
		FROM job_offers
		WHERE id = $1 AND provider_id = $2
		FOR UPDATE`, offerID, providerID,
	).Scan(&bookingID, &status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Acceptance{Outcome: storage.AcceptNotFound}, nil
	}
	if err != nil {
		return storage.Acceptance{}, err
	}
	switch {
	case model.OfferStatus(status) == model.OfferExpired:
		return storage.Acceptance{Outcome: storage.AcceptExpired}, nil
	case model.OfferStatus(status) != model.OfferSent:
		return storage.Acceptance{Outcome: storage.AcceptUnavailable}, nil
	case now.After(expiresAt):
		_, err = tx.Exec(ctx, `
			UPDATE job_offers SET status = 'expired', resolved_at = $1 WHERE id = $2`,
			now, offerID)
		if err != nil {
			return storage.Acceptance{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return storage.Acceptance{}, err
		}
		return storage.Acceptance{Outcome: storage.AcceptExpired}, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'provider_assigned',
		    assigned_provider_id = $1,
		    matching_expires_at = NULL,
		    pending_offers = 0,
		    updated_at = $2
		WHERE id = $3 AND status = 'provider_search'`,
		providerID, now, bookingID)
	if err != nil {
		return storage.Acceptance{}, err
	}
	if tag.RowsAffected() != 1 {
		return storage.Acceptance{Outcome: storage.AcceptUnavailable}, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE job_offers SET status = 'accepted', resolved_at = $1 WHERE id = $2`,
		now, offerID); err != nil {
		return storage.Acceptance{}, err
	}
	rows, err := tx.Query(ctx, `
		UPDATE job_offers
		SET status = 'cancelled', resolved_at = $1
		WHERE booking_id = $2 AND id <> $3 AND status = 'sent'
		RETURNING `+offerColumns, now, bookingID, offerID)
	if err != nil {
		return storage.Acceptance{}, err
	}
	cancelled, err := scanOffers(rows)
	if err != nil {
		return storage.Acceptance{}, err
	}
	if err := appendChange(ctx, tx, change); err != nil {
		return storage.Acceptance{}, err
	}
	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID)
	b, err := scanBooking(row)
	if err != nil {
		return storage.Acceptance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.Acceptance{}, err
	}
	return storage.Acceptance{Outcome: storage.AcceptOK, Booking: b, CancelledOffers: cancelled}, nil
}

const offerColumns = `
	id, booking_id, provider_id, priority, wave, distance_km, travel_time_ms,
	status, expires_at, delivery, created_at, resolved_at`

func (s *Store) Offer(ctx context.Context, id string) (*model.JobRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM job_offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return o, err
}

func (s *Store) OffersForBooking(ctx context.Context, bookingID string) ([]*model.JobRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM job_offers WHERE booking_id = $1 ORDER BY created_at, id`, bookingID)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (s *Store) SentOfferCount(ctx context.Context, bookingID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_offers WHERE booking_id = $1 AND status = 'sent'`, bookingID,
	).Scan(&n)
	return n, err
}

func (s *Store) DeclineOffer(ctx context.Context, offerID, providerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH declined AS (
			UPDATE job_offers
			SET status = CASE WHEN expires_at < $1 THEN 'expired' ELSE 'declined' END,
			    resolved_at = $1
			WHERE id = $2 AND provider_id = $3 AND status = 'sent'
			RETURNING booking_id, status
		)
		UPDATE bookings b
		SET pending_offers = GREATEST(pending_offers - 1, 0)
		FROM declined d
		WHERE b.id = d.booking_id AND d.status = 'declined'`,
		now, offerID, providerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CancelSentOffers(ctx context.Context, bookingID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_offers
		SET status = 'cancelled', resolved_at = $1
		WHERE booking_id = $2 AND status = 'sent'`, now, bookingID)
	if err != nil {
		return 0, err
	}
	_, err = s.pool.Exec(ctx, `UPDATE bookings SET pending_offers = 0 WHERE id = $1`, bookingID)
	return int(tag.RowsAffected()), err
}

func (s *Store) ExpireDueOffers(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH expired AS (
			UPDATE job_offers
			SET status = 'expired', resolved_at = $1
			WHERE status = 'sent' AND expires_at < $1
			RETURNING booking_id
		)
		UPDATE bookings b
		SET pending_offers = GREATEST(pending_offers - sub.n, 0)
		FROM (SELECT booking_id, COUNT(*) AS n FROM expired GROUP BY booking_id) sub
		WHERE b.id = sub.booking_id`, now)
	if err != nil {
		return 0, err
	}
	// RowsAffected here counts booking rows; re-count offers for the sweep
	// total only when bookings were touched.
	if tag.RowsAffected() == 0 {
		return 0, nil
	}
	var n int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_offers WHERE status = 'expired' AND resolved_at = $1`, now,
	).Scan(&n)
	return n, err
}

func (s *Store) RecordDelivery(ctx context.Context, offerID string, outcome model.DeliveryOutcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_offers SET delivery = $1 WHERE id = $2`, string(outcome), offerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) PolicyForService(ctx context.Context, serviceID string) (*model.CancellationPolicy, error) {
	var p model.CancellationPolicy
	err := s.pool.QueryRow(ctx, `
		SELECT service_id, free_hours, free_refund_percent,
		       partial_refund_hours, partial_refund_percent,
		       no_refund_percent, provider_penalty_percent
		FROM cancellation_policies WHERE service_id = $1`, serviceID,
	).Scan(&p.ServiceID, &p.FreeHours, &p.FreeRefundPercent,
		&p.PartialRefundHours, &p.PartialRefundPercent,
		&p.NoRefundPercent, &p.ProviderPenaltyPercent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) HistoryForBooking(ctx context.Context, bookingID string) ([]model.StatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, booking_id, from_status, to_status, actor_id, actor_role, reason, created_at
		FROM status_changes WHERE booking_id = $1 ORDER BY created_at, id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StatusChange
	for rows.Next() {
		var c model.StatusChange
		if err := rows.Scan(&c.ID, &c.BookingID, &c.FromStatus, &c.ToStatus,
			&c.ActorID, &c.ActorRole, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RecordLocation(ctx context.Context, u model.LocationUpdate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO location_updates (booking_id, provider_id, lat, lon, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.BookingID, u.ProviderID, u.Point.Lat, u.Point.Lon, u.RecordedAt)
	return err
}

func (s *Store) LocationTrail(ctx context.Context, bookingID string) ([]model.LocationUpdate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT booking_id, provider_id, lat, lon, recorded_at
		FROM location_updates WHERE booking_id = $1 ORDER BY recorded_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LocationUpdate
	for rows.Next() {
		var u model.LocationUpdate
		if err := rows.Scan(&u.BookingID, &u.ProviderID, &u.Point.Lat, &u.Point.Lon, &u.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func insertOffer(ctx context.Context, tx pgx.Tx, o *model.JobRequest) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO job_offers (
			id, booking_id, provider_id, priority, wave, distance_km,
			travel_time_ms, status, expires_at, delivery, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.BookingID, o.ProviderID, o.Priority, o.Wave, o.DistanceKm,
		o.TravelTime.Milliseconds(), string(o.Status), o.ExpiresAt, string(o.Delivery), o.CreatedAt)
	return err
}

func appendChange(ctx context.Context, tx pgx.Tx, c model.StatusChange) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO status_changes (
			id, booking_id, from_status, to_status, actor_id, actor_role, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.BookingID, string(c.FromStatus), string(c.ToStatus),
		c.ActorID, string(c.ActorRole), c.Reason, c.CreatedAt)
	return err
}

func nilTime(set bool, t time.Time) *time.Time {
	if !set {
		return nil
	}
	return &t
}
