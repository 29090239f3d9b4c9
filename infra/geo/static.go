package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/storage"
)

// StaticIndex is an in-memory provider index with haversine distances. It
// backs the simulate command and tests where Redis is not available.
type StaticIndex struct {
	mu       sync.RWMutex
	byServ   map[string][]Provider
	SpeedKmh float64
}

var _ storage.ProviderIndex = (*StaticIndex)(nil)

// NewStaticIndex creates an empty index.
func NewStaticIndex() *StaticIndex {
	return &StaticIndex{byServ: make(map[string][]Provider), SpeedKmh: defaultSpeedKmh}
}

// Upsert registers or replaces a provider for a service.
func (s *StaticIndex) Upsert(serviceID string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byServ[serviceID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return
		}
	}
	s.byServ[serviceID] = append(list, p)
}

func (s *StaticIndex) FindMatchingProviders(_ context.Context, serviceID string, loc model.GeoPoint, radiusKm float64, max int) ([]model.ProviderMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ProviderMatch
	for _, p := range s.byServ[serviceID] {
		if !p.Online {
			continue
		}
		d := HaversineKm(loc, p.Location)
		if d > radiusKm {
			continue
		}
		out = append(out, model.ProviderMatch{
			ProviderID: p.ID,
			Location:   p.Location,
			DistanceKm: d,
			TravelTime: time.Duration(d / s.SpeedKmh * float64(time.Hour)),
			Rating:     p.Rating,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

const earthRadiusKm = 6371

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(a, b model.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
