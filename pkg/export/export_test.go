package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmarket/dispatch/core/model"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func sampleHistory() []model.StatusChange {
	return []model.StatusChange{
		{BookingID: "b1", FromStatus: model.StatusPending, ToStatus: model.StatusProviderSearch, ActorRole: model.RoleSystem, Reason: "matching started", CreatedAt: t0},
		{BookingID: "b1", FromStatus: model.StatusProviderSearch, ToStatus: model.StatusProviderAssigned, ActorID: "p1", ActorRole: model.RoleProvider, Reason: "offer accepted", CreatedAt: t0.Add(time.Minute)},
	}
}

func TestWriteHistoryCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistoryCSV(&buf, sampleHistory()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "booking_id,from_status,to_status,actor_id,actor_role,reason,created_at", lines[0])
	assert.Contains(t, lines[1], "pending,provider_search")
	assert.Contains(t, lines[2], "p1,provider,offer accepted,2025-06-01T10:01:00Z")
}

func TestWriteHistoryJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistoryJSON(&buf, sampleHistory()))

	var decoded []model.StatusChange
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, model.StatusProviderAssigned, decoded[1].ToStatus)
}

func TestWriteTrailCSV(t *testing.T) {
	var buf bytes.Buffer
	trail := []model.LocationUpdate{
		{BookingID: "b1", ProviderID: "p1", Point: model.GeoPoint{Lat: 48.85, Lon: 2.35}, RecordedAt: t0},
	}
	require.NoError(t, WriteTrailCSV(&buf, trail))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "b1,p1,48.85,2.35,2025-06-01T10:00:00Z", lines[1])
}
