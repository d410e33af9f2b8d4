package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	EarthRadiusKm = 6371.0

	// DefaultSpeedKmh is the city speed assumed when no speed is supplied.
	DefaultSpeedKmh = 25.0
)

// DistanceKm is the great-circle (haversine) distance between a and b.
func DistanceKm(a, b models.Coord) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h past 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// ETAMinutes is the linear fallback used when no routing service answers.
func ETAMinutes(distanceKm, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return distanceKm / speedKmh * 60
}

// ValidCoord reports whether c is a plausible WGS-84 coordinate.
func ValidCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lng)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
