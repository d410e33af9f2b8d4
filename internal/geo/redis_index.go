package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands with a metadata hash
// per driver.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d DriverPoint) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"updated": d.Updated.UTC().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		n := Nearby{
			DriverPoint: DriverPoint{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}},
			DistanceKm:  g.Dist,
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					n.Rating = f
				}
			}
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					n.Updated = ts
				}
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
