package geo

import (
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// CellPrecision is the geohash length stored with every ride pickup.
const CellPrecision = 7

const kmPerDegree = EarthRadiusKm * math.Pi / 180

// Cell returns the storage geohash of c.
func Cell(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lng, CellPrecision)
}

// CoverCells returns geohash prefixes whose union contains every point within
// radiusKm of center: the cell holding center at the finest precision whose
// edges are still at least radiusKm at that latitude, plus its eight
// neighbours.
func CoverCells(center models.Coord, radiusKm float64) []string {
	h := geohash.EncodeWithPrecision(center.Lat, center.Lng, 1)
	for p := uint(CellPrecision); p >= 1; p-- {
		cell := geohash.EncodeWithPrecision(center.Lat, center.Lng, p)
		if minEdgeKm(geohash.BoundingBox(cell), radiusKm) >= radiusKm {
			h = cell
			break
		}
	}
	seen := map[string]struct{}{h: {}}
	for _, n := range geohash.Neighbors(h) {
		seen[n] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// InCells reports whether cell starts with any prefix in cover.
func InCells(cell string, cover []string) bool {
	for _, p := range cover {
		if len(cell) >= len(p) && cell[:len(p)] == p {
			return true
		}
	}
	return false
}

// minEdgeKm is the shorter edge of box. Longitude degrees shrink with
// cos(lat); the width is taken reachKm beyond the edge farthest from the
// equator, where the narrowest covered point can lie.
func minEdgeKm(box geohash.Box, reachKm float64) float64 {
	height := (box.MaxLat - box.MinLat) * kmPerDegree
	lat := math.Min(90, math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat))+reachKm/kmPerDegree)
	width := (box.MaxLng - box.MinLng) * kmPerDegree * math.Cos(toRad(lat))
	return math.Min(height, width)
}
