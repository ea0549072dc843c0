package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// RedisCache implements Cache over Redis GEO commands so every gateway
// instance (and the Kafka consumer) shares one location view.
type RedisCache struct {
	client *redis.Client
	key    string
}

func NewRedisCache(client *redis.Client, key string) *RedisCache {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisCache{client: client, key: key}
}

func metaKey(id string) string { return "driver:loc:" + id }

func (r *RedisCache) Update(ctx context.Context, loc models.DriverLocation) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(loc.DriverID), map[string]interface{}{
		"heading":   strconv.FormatFloat(loc.Heading, 'f', -1, 64),
		"speed_kmh": strconv.FormatFloat(loc.SpeedKmh, 'f', -1, 64),
		"updated":   loc.Updated.Format(time.RFC3339),
	}).Err()
}

func (r *RedisCache) Lookup(ctx context.Context, driverID string) (models.DriverLocation, bool) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.DriverLocation{}, false
	}
	loc := models.DriverLocation{
		DriverID: driverID,
		Loc:      models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude},
	}
	if m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result(); err == nil {
		if v, ok := m["heading"]; ok {
			loc.Heading, _ = strconv.ParseFloat(v, 64)
		}
		if v, ok := m["speed_kmh"]; ok {
			loc.SpeedKmh, _ = strconv.ParseFloat(v, 64)
		}
		if v, ok := m["updated"]; ok {
			loc.Updated, _ = time.Parse(time.RFC3339, v)
		}
	}
	return loc, true
}

func (r *RedisCache) Nearby(ctx context.Context, origin models.Coord, radiusKm float64, limit int) []models.DriverLocation {
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		out = append(out, models.DriverLocation{
			DriverID: g.Name,
			Loc:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out
}
