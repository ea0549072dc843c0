package geomath

import (
	"math"

	"github.com/example/delivery-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// MinSpeedKmh floors the assumed speed so ETA never divides by near-zero.
const MinSpeedKmh = 5.0

// DistanceKm is the haversine great-circle distance between two coordinates.
func DistanceKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// ETAMinutes is a linear estimate. In prod a routing engine would refine it;
// the dispatch path only needs a stable ordering signal.
func ETAMinutes(distanceKm, assumedSpeedKmh float64) float64 {
	if assumedSpeedKmh < MinSpeedKmh {
		assumedSpeedKmh = MinSpeedKmh
	}
	return distanceKm / assumedSpeedKmh * 60
}
