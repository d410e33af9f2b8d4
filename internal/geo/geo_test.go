package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	p := models.Coord{Lat: 9.5, Lng: -13.7}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKnown(t *testing.T) {
	cases := []struct {
		name      string
		a, b      models.Coord
		want, tol float64
	}{
		{"conakry near pickup", models.Coord{Lat: 9.50, Lng: -13.70}, models.Coord{Lat: 9.52, Lng: -13.71}, 2.47, 0.1},
		{"conakry far pickup", models.Coord{Lat: 9.50, Lng: -13.70}, models.Coord{Lat: 9.65, Lng: -13.90}, 27.4, 0.5},
		{"new york to los angeles", models.Coord{Lat: 40.7128, Lng: -74.0060}, models.Coord{Lat: 34.0522, Lng: -118.2437}, 3936, 10},
		{"one degree of latitude", models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 1, Lng: 0}, 111.19, 0.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DistanceKm(tc.a, tc.b); math.Abs(got-tc.want) > tc.tol {
				t.Errorf("DistanceKm = %f, want %f (±%f)", got, tc.want, tc.tol)
			}
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.Coord{Lat: 25, Lng: 121}
	b := models.Coord{Lat: 26, Lng: 122}
	if math.Abs(DistanceKm(a, b)-DistanceKm(b, a)) > 1e-9 {
		t.Fatalf("distance is not symmetric")
	}
}

func TestDistanceMonotonic(t *testing.T) {
	origin := models.Coord{}
	prev := 0.0
	for deg := 1.0; deg <= 180; deg += 7 {
		d := DistanceKm(origin, models.Coord{Lat: 0, Lng: deg})
		if d <= prev {
			t.Fatalf("distance not increasing at %f: %f <= %f", deg, d, prev)
		}
		prev = d
	}
}

func TestETAMinutes(t *testing.T) {
	if got := ETAMinutes(10, 30); math.Abs(got-20) > 1e-9 {
		t.Fatalf("expected 20 minutes, got %f", got)
	}
	if got := ETAMinutes(DefaultSpeedKmh, 0); math.Abs(got-60) > 1e-9 {
		t.Fatalf("expected default speed fallback, got %f", got)
	}
}

func TestCoverCellsContainsNearbyPoints(t *testing.T) {
	center := models.Coord{Lat: 9.50, Lng: -13.70}
	cover := CoverCells(center, 10)
	if len(cover) != 9 {
		t.Fatalf("expected 9 cells, got %d", len(cover))
	}
	for _, p := range []models.Coord{
		{Lat: 9.52, Lng: -13.71},
		{Lat: 9.58, Lng: -13.70},
		{Lat: 9.50, Lng: -13.61},
		{Lat: 9.45, Lng: -13.75},
	} {
		if DistanceKm(center, p) > 10 {
			t.Fatalf("fixture %v outside radius", p)
		}
		if !InCells(Cell(p), cover) {
			t.Errorf("point %v (cell %s) not covered by %v", p, Cell(p), cover)
		}
	}
}

func TestMemIndexNearby(t *testing.T) {
	ctx := context.Background()
	idx := NewMemIndex()
	_ = idx.Upsert(ctx, DriverPoint{ID: "far", Loc: models.Coord{Lat: 9.65, Lng: -13.90}})
	_ = idx.Upsert(ctx, DriverPoint{ID: "b", Loc: models.Coord{Lat: 9.53, Lng: -13.70}})
	_ = idx.Upsert(ctx, DriverPoint{ID: "a", Loc: models.Coord{Lat: 9.51, Lng: -13.70}})

	got, err := idx.Nearby(ctx, models.Coord{Lat: 9.50, Lng: -13.70}, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected nearby result: %+v", got)
	}

	_ = idx.Remove(ctx, "a")
	got, _ = idx.Nearby(ctx, models.Coord{Lat: 9.50, Lng: -13.70}, 5, 1)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected result after remove: %+v", got)
	}
}

func TestCoverCellsAtHighLatitude(t *testing.T) {
	const radius = 4.5
	for _, lat := range []float64{60, -65} {
		// sweep the center across a few cells so some sit on a cell edge
		for i := 0; i < 40; i++ {
			center := models.Coord{Lat: lat + float64(i)*0.003, Lng: 10 + float64(i)*0.0071}
			cover := CoverCells(center, radius)
			dLng := (radius * 0.98) / (kmPerDegree * math.Cos(toRad(center.Lat)))
			dLat := (radius * 0.98) / kmPerDegree
			for _, p := range []models.Coord{
				{Lat: center.Lat, Lng: center.Lng + dLng},
				{Lat: center.Lat, Lng: center.Lng - dLng},
				{Lat: center.Lat + dLat, Lng: center.Lng},
				{Lat: center.Lat - dLat, Lng: center.Lng},
			} {
				if DistanceKm(center, p) > radius {
					t.Fatalf("fixture %v outside radius of %v", p, center)
				}
				if !InCells(Cell(p), cover) {
					t.Fatalf("point %v (cell %s) within %.1f km of %v not covered by %v", p, Cell(p), radius, center, cover)
				}
			}
		}
	}
}
