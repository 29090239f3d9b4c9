package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup when apply_migrations is set.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS bookings (
		id                    TEXT PRIMARY KEY,
		customer_id           TEXT NOT NULL,
		service_id            TEXT NOT NULL,
		lat                   DOUBLE PRECISION NOT NULL,
		lon                   DOUBLE PRECISION NOT NULL,
		area                  TEXT NOT NULL DEFAULT '',
		city                  TEXT NOT NULL DEFAULT '',
		mode                  TEXT NOT NULL,
		scheduled_at          TIMESTAMPTZ,
		urgency               TEXT NOT NULL,
		status                TEXT NOT NULL,
		search_radius_km      DOUBLE PRECISION NOT NULL DEFAULT 0,
		search_wave           INTEGER NOT NULL DEFAULT 0,
		matching_expires_at   TIMESTAMPTZ,
		pending_offers        INTEGER NOT NULL DEFAULT 0,
		radius_expansions     JSONB NOT NULL DEFAULT '[]'::jsonb,
		assigned_provider_id  TEXT,
		total_amount          BIGINT NOT NULL DEFAULT 0,
		cancel_actor_id       TEXT,
		cancel_actor_role     TEXT,
		cancel_reason         TEXT,
		cancelled_at          TIMESTAMPTZ,
		cancel_refund_percent DOUBLE PRECISION,
		cancel_refund_amount  BIGINT,
		cancel_penalty_amount BIGINT,
		completed_at          TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS bookings_matching_idx
		ON bookings (status, matching_expires_at)
		WHERE status IN ('pending', 'provider_search')`,
	`CREATE TABLE IF NOT EXISTS job_offers (
		id             TEXT PRIMARY KEY,
		booking_id     TEXT NOT NULL REFERENCES bookings (id),
		provider_id    TEXT NOT NULL,
		priority       INTEGER NOT NULL,
		wave           INTEGER NOT NULL,
		distance_km    DOUBLE PRECISION NOT NULL,
		travel_time_ms BIGINT NOT NULL DEFAULT 0,
		status         TEXT NOT NULL,
		expires_at     TIMESTAMPTZ NOT NULL,
		delivery       TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		resolved_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS job_offers_due_idx
		ON job_offers (expires_at) WHERE status = 'sent'`,
	`CREATE INDEX IF NOT EXISTS job_offers_booking_idx
		ON job_offers (booking_id)`,
	`CREATE TABLE IF NOT EXISTS status_changes (
		id          TEXT PRIMARY KEY,
		booking_id  TEXT NOT NULL REFERENCES bookings (id),
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		actor_id    TEXT NOT NULL DEFAULT '',
		actor_role  TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS status_changes_booking_idx
		ON status_changes (booking_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS cancellation_policies (
		service_id               TEXT PRIMARY KEY,
		free_hours               DOUBLE PRECISION NOT NULL,
		free_refund_percent      DOUBLE PRECISION NOT NULL,
		partial_refund_hours     DOUBLE PRECISION NOT NULL,
		partial_refund_percent   DOUBLE PRECISION NOT NULL,
		no_refund_percent        DOUBLE PRECISION NOT NULL,
		provider_penalty_percent DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS location_updates (
		booking_id  TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		lat         DOUBLE PRECISION NOT NULL,
		lon         DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS location_updates_booking_idx
		ON location_updates (booking_id, recorded_at)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return nil
}
