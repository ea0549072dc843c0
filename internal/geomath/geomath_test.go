package geomath

import (
	"math"
	"testing"

	"github.com/example/delivery-dispatch/internal/models"
)

func TestDistanceZeroAtSamePoint(t *testing.T) {
	pts := []models.Coord{{Lat: 0, Lon: 0}, {Lat: 48.8566, Lon: 2.3522}, {Lat: -33.86, Lon: 151.20}}
	for _, p := range pts {
		if d := DistanceKm(p, p); d != 0 {
			t.Fatalf("expected 0 at %v, got %f", p, d)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.Coord{Lat: 52.5200, Lon: 13.4050}
	b := models.Coord{Lat: 48.1351, Lon: 11.5820}
	d1, d2 := DistanceKm(a, b), DistanceKm(b, a)
	if math.Abs(d1-d2) > 1e-9 {
		t.Fatalf("asymmetric: %f vs %f", d1, d2)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// ~111.19 km per degree of latitude at the equator
	d := DistanceKm(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if d < 111 || d > 112 {
		t.Fatalf("one degree latitude should be ~111.2km, got %f", d)
	}
}

func TestETASpeedFloor(t *testing.T) {
	if eta := ETAMinutes(10, 0); eta != 120 {
		t.Fatalf("zero speed should floor to %v km/h, got eta %f", MinSpeedKmh, eta)
	}
	if eta := ETAMinutes(10, 60); eta != 10 {
		t.Fatalf("10km at 60km/h should be 10min, got %f", eta)
	}
}
