// Package export renders booking audit trails for support tooling, either as
// JSON or as CSV for spreadsheet imports.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/fixmarket/dispatch/core/model"
)

// WriteHistoryJSON writes the transition history to w as a JSON array.
func WriteHistoryJSON(w io.Writer, history []model.StatusChange) error {
	enc := json.NewEncoder(w)
	return enc.Encode(history)
}

// WriteHistoryCSV writes the transition history to w as CSV, one row per
// transition.
func WriteHistoryCSV(w io.Writer, history []model.StatusChange) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"booking_id", "from_status", "to_status", "actor_id", "actor_role", "reason", "created_at"}); err != nil {
		return err
	}
	for _, h := range history {
		rec := []string{
			h.BookingID,
			string(h.FromStatus),
			string(h.ToStatus),
			h.ActorID,
			string(h.ActorRole),
			h.Reason,
			h.CreatedAt.Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTrailCSV writes a provider location trail to w as CSV.
func WriteTrailCSV(w io.Writer, trail []model.LocationUpdate) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"booking_id", "provider_id", "lat", "lon", "recorded_at"}); err != nil {
		return err
	}
	for _, u := range trail {
		rec := []string{
			u.BookingID,
			u.ProviderID,
			formatFloat(u.Point.Lat),
			formatFloat(u.Point.Lon),
			u.RecordedAt.Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
