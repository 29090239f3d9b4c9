// Package geo implements the provider index on Redis GEO sets. Providers are
// bucketed per service under one geo key plus a metadata hash, so a matching
// wave is a single GEOSEARCH followed by metadata lookups.
package geo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fixmarket/dispatch/core/model"
	"github.com/fixmarket/dispatch/core/storage"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// Provider is the registration record kept alongside the geo entry.
type Provider struct {
	ID       string
	Location model.GeoPoint
	Rating   float64
	Online   bool
}

// RedisIndex implements storage.ProviderIndex on a Redis client.
type RedisIndex struct {
	client *redis.Client
	prefix string
	// SpeedKmh converts geo distance into an estimated travel time.
	SpeedKmh float64
}

var _ storage.ProviderIndex = (*RedisIndex)(nil)

const defaultSpeedKmh = 30

// NewRedisIndex connects a client from the config.
func NewRedisIndex(cfg Config) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &RedisIndex{client: c, prefix: keyPrefix(cfg.KeyPrefix), SpeedKmh: defaultSpeedKmh}
}

// NewRedisIndexWithClient wraps an existing client, used by tests and the
// registry consumer.
func NewRedisIndexWithClient(c *redis.Client, prefix string) *RedisIndex {
	return &RedisIndex{client: c, prefix: keyPrefix(prefix), SpeedKmh: defaultSpeedKmh}
}

func keyPrefix(p string) string {
	if p == "" {
		return "providers"
	}
	return p
}

// Close releases the underlying client.
func (r *RedisIndex) Close() error { return r.client.Close() }

// Upsert registers or refreshes a provider for a service.
func (r *RedisIndex) Upsert(ctx context.Context, serviceID string, p Provider) error {
	if err := r.client.GeoAdd(ctx, r.geoKey(serviceID), &redis.GeoLocation{
		Name:      p.ID,
		Longitude: p.Location.Lon,
		Latitude:  p.Location.Lat,
	}).Err(); err != nil {
		return fmt.Errorf("geo: geoadd %s: %w", p.ID, err)
	}
	return r.client.HSet(ctx, r.metaKey(p.ID), map[string]any{
		"rating":  strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(p.Online),
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

// Remove drops a provider from a service bucket.
func (r *RedisIndex) Remove(ctx context.Context, serviceID, providerID string) error {
	if err := r.client.ZRem(ctx, r.geoKey(serviceID), providerID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, r.metaKey(providerID)).Err()
}

func (r *RedisIndex) FindMatchingProviders(ctx context.Context, serviceID string, loc model.GeoPoint, radiusKm float64, max int) ([]model.ProviderMatch, error) {
	// Over-fetch so offline providers filtered below do not starve the wave.
	count := max * 3
	if count < 10 {
		count = 10
	}
	res, err := r.client.GeoSearchLocation(ctx, r.geoKey(serviceID), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  loc.Lon,
			Latitude:   loc.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo: geosearch %s: %w", serviceID, err)
	}

	out := make([]model.ProviderMatch, 0, len(res))
	for _, g := range res {
		m := model.ProviderMatch{
			ProviderID: g.Name,
			Location:   model.GeoPoint{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
			TravelTime: r.travelTime(g.Dist),
		}
		meta, err := r.client.HGetAll(ctx, r.metaKey(g.Name)).Result()
		if err == nil {
			if v, ok := meta["online"]; ok && v != "true" {
				continue
			}
			if v, ok := meta["rating"]; ok {
				if f, perr := strconv.ParseFloat(v, 64); perr == nil {
					m.Rating = f
				}
			}
		}
		out = append(out, m)
	}
	// Redis sorts by distance; re-sort to fix the tie order across equal
	// distances.
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

func (r *RedisIndex) travelTime(distKm float64) time.Duration {
	speed := r.SpeedKmh
	if speed <= 0 {
		speed = defaultSpeedKmh
	}
	return time.Duration(distKm / speed * float64(time.Hour))
}

func (r *RedisIndex) geoKey(serviceID string) string {
	return r.prefix + ":geo:" + serviceID
}

func (r *RedisIndex) metaKey(providerID string) string {
	return r.prefix + ":meta:" + providerID
}
