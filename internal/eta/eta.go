package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is a driving route between two points.
type Route struct {
	DistanceKm  float64  `json:"distance_km"`
	DurationMin float64  `json:"duration_min"`
	Steps       []string `json:"steps,omitempty"`
}

// Router is the interface used by the planner and matcher to get routes.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// 5 decimals is about a metre; close enough to share a route.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

const (
	SourceRouting  = "routing"
	SourceFallback = "fallback"
)

// Planner answers leg estimates. It asks the router first and falls back to
// straight-line distance at a fixed speed when routing is unavailable.
type Planner struct {
	router   Router
	cache    *Cache
	speedKmh float64
}

// NewPlanner builds a planner. router and cache may be nil.
func NewPlanner(router Router, cache *Cache, fallbackSpeedKmh float64) *Planner {
	if fallbackSpeedKmh <= 0 {
		fallbackSpeedKmh = geo.DefaultSpeedKmh
	}
	return &Planner{router: router, cache: cache, speedKmh: fallbackSpeedKmh}
}

// Estimate returns the route from -> to and the source it came from.
func (p *Planner) Estimate(ctx context.Context, from, to models.Coord) (Route, string) {
	if p.cache != nil {
		if r, ok := p.cache.Get(from, to); ok {
			return r, SourceRouting
		}
	}
	if p.router != nil {
		if r, err := p.router.Route(ctx, from, to); err == nil {
			if p.cache != nil {
				p.cache.Set(from, to, r)
			}
			return r, SourceRouting
		}
	}
	d := geo.DistanceKm(from, to)
	return Route{DistanceKm: d, DurationMin: geo.ETAMinutes(d, p.speedKmh)}, SourceFallback
}

// Leg builds the estimate for a driver at from heading to the ride's current target.
func (p *Planner) Leg(ctx context.Context, ride *models.Ride, driverID string, from models.Coord) (models.LegEstimate, bool) {
	target, ok := ride.LegTarget()
	if !ok {
		return models.LegEstimate{}, false
	}
	r, src := p.Estimate(ctx, from, target)
	return models.LegEstimate{
		RideID:      ride.ID,
		DriverID:    driverID,
		Target:      target,
		DistanceKm:  r.DistanceKm,
		DurationMin: r.DurationMin,
		Steps:       r.Steps,
		Source:      src,
	}, true
}
