package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverPoint is an online driver's entry in the visibility index.
type DriverPoint struct {
	ID      string       `json:"id"`
	Loc     models.Coord `json:"loc"`
	Rating  float64      `json:"rating"`
	Updated time.Time    `json:"updated"`
}

type Nearby struct {
	DriverPoint
	DistanceKm float64 `json:"distance_km"`
}

// Index tracks which drivers are online and where. Entries exist only while
// the driver is online.
type Index interface {
	Upsert(ctx context.Context, d DriverPoint) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error)
}

type MemIndex struct {
	mu      sync.RWMutex
	drivers map[string]DriverPoint
}

func NewMemIndex() *MemIndex {
	return &MemIndex{drivers: make(map[string]DriverPoint)}
}

func (g *MemIndex) Upsert(_ context.Context, d DriverPoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	g.drivers[d.ID] = d
	return nil
}

func (g *MemIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// Nearby scans every entry; fine for the driver counts a single node holds.
func (g *MemIndex) Nearby(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	out := make([]Nearby, 0, len(g.drivers))
	for _, d := range g.drivers {
		dist := DistanceKm(center, d.Loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, Nearby{DriverPoint: d, DistanceKm: dist})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *MemIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}
