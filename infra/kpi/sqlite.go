// Package kpi persists daily dispatch aggregates in a local SQLite database.
// It implements metrics.Sink so it can be combined with the exporter sinks,
// and keeps the rollups reporting jobs read back.
package kpi

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fixmarket/dispatch/core/metrics"
)

// Store accumulates per-day dispatch KPIs. Safe for concurrent use through
// database/sql's connection pool.
type Store struct {
	db *sql.DB
}

var _ metrics.Sink = (*Store)(nil)

// Day truncates t to midnight UTC, the rollup granularity.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewStore opens or creates the database at path and ensures the schema.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS offer_kpi (
        day INTEGER,
        service_id TEXT,
        offers INTEGER,
        PRIMARY KEY(day, service_id)
    );
    CREATE TABLE IF NOT EXISTS assignment_kpi (
        day INTEGER,
        wave INTEGER,
        assignments INTEGER,
        wait_seconds REAL,
        PRIMARY KEY(day, wave)
    );
    CREATE TABLE IF NOT EXISTS outcome_kpi (
        day INTEGER,
        outcome TEXT,
        bookings INTEGER,
        PRIMARY KEY(day, outcome)
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordMatches bumps the per-service offer counters.
func (s *Store) RecordMatches(recs []metrics.MatchRecord) error {
	for _, r := range recs {
		_, err := s.db.Exec(`INSERT INTO offer_kpi (day, service_id, offers)
            VALUES (?, ?, 1)
            ON CONFLICT(day, service_id) DO UPDATE SET
                offers = offers + 1`,
			Day(r.Time).Unix(), r.ServiceID)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordAssignment bumps the per-wave assignment counters and accumulates
// the acceptance wait so averages can be derived.
func (s *Store) RecordAssignment(r metrics.AssignmentRecord) error {
	_, err := s.db.Exec(`INSERT INTO assignment_kpi (day, wave, assignments, wait_seconds)
        VALUES (?, ?, 1, ?)
        ON CONFLICT(day, wave) DO UPDATE SET
            assignments = assignments + 1,
            wait_seconds = wait_seconds + excluded.wait_seconds`,
		Day(r.Time).Unix(), r.Wave, r.WaitTime.Seconds())
	return err
}

// RecordOutcome bumps the terminal outcome counters.
func (s *Store) RecordOutcome(r metrics.OutcomeRecord) error {
	_, err := s.db.Exec(`INSERT INTO outcome_kpi (day, outcome, bookings)
        VALUES (?, ?, 1)
        ON CONFLICT(day, outcome) DO UPDATE SET
            bookings = bookings + 1`,
		Day(r.Time).Unix(), r.Outcome)
	return err
}

// AssignmentStat is one day/wave rollup row.
type AssignmentStat struct {
	Day         time.Time
	Wave        int
	Assignments int
	// AvgWait is the mean span from offer creation to acceptance.
	AvgWait time.Duration
}

// AssignmentStats returns rollups in the range [start,end], ordered by day
// then wave.
func (s *Store) AssignmentStats(start, end time.Time) ([]AssignmentStat, error) {
	rows, err := s.db.Query(`SELECT day, wave, assignments, wait_seconds
        FROM assignment_kpi WHERE day >= ? AND day <= ? ORDER BY day, wave`,
		Day(start).Unix(), Day(end).Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []AssignmentStat
	for rows.Next() {
		var day int64
		var st AssignmentStat
		var waitSec float64
		if err := rows.Scan(&day, &st.Wave, &st.Assignments, &waitSec); err != nil {
			return nil, err
		}
		st.Day = time.Unix(day, 0).UTC()
		if st.Assignments > 0 {
			st.AvgWait = time.Duration(waitSec / float64(st.Assignments) * float64(time.Second))
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// OutcomeStat is one day/outcome rollup row.
type OutcomeStat struct {
	Day      time.Time
	Outcome  string
	Bookings int
}

// OutcomeStats returns rollups in the range [start,end], ordered by day then
// outcome.
func (s *Store) OutcomeStats(start, end time.Time) ([]OutcomeStat, error) {
	rows, err := s.db.Query(`SELECT day, outcome, bookings
        FROM outcome_kpi WHERE day >= ? AND day <= ? ORDER BY day, outcome`,
		Day(start).Unix(), Day(end).Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []OutcomeStat
	for rows.Next() {
		var day int64
		var st OutcomeStat
		if err := rows.Scan(&day, &st.Outcome, &st.Bookings); err != nil {
			return nil, err
		}
		st.Day = time.Unix(day, 0).UTC()
		res = append(res, st)
	}
	return res, rows.Err()
}

// OfferStat is one day/service rollup row.
type OfferStat struct {
	Day       time.Time
	ServiceID string
	Offers    int
}

// OfferStats returns rollups in the range [start,end].
func (s *Store) OfferStats(start, end time.Time) ([]OfferStat, error) {
	rows, err := s.db.Query(`SELECT day, service_id, offers
        FROM offer_kpi WHERE day >= ? AND day <= ? ORDER BY day, service_id`,
		Day(start).Unix(), Day(end).Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []OfferStat
	for rows.Next() {
		var day int64
		var st OfferStat
		if err := rows.Scan(&day, &st.ServiceID, &st.Offers); err != nil {
			return nil, err
		}
		st.Day = time.Unix(day, 0).UTC()
		res = append(res, st)
	}
	return res, rows.Err()
}
