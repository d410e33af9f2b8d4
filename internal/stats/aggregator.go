package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultRating is reported while a driver has no rated rides.
const DefaultRating = 5.0

type Store interface {
	ListDriverRides(ctx context.Context, driverID string, status models.Status, since time.Time) ([]*models.Ride, error)
	ListSamples(ctx context.Context, driverID string, since time.Time) ([]models.PositionSample, error)
	AddCompletion(ctx context.Context, driverID string, earnings float64) error
}

type Observer interface {
	OnStatsUpdated(driverID string, s models.DriverStats)
}

type cacheKey struct {
	driverID string
	window   models.Window
}

// Aggregator derives driver statistics from completed rides and position
// samples. Results are cached but can always be recomputed from the store.
type Aggregator struct {
	store    Store
	observer Observer
	logger   *slog.Logger
	maxGap   time.Duration
	loc      *time.Location
	now      func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]models.DriverStats
}

// NewAggregator builds an aggregator. Gaps between consecutive position
// samples longer than maxGap count as offline time.
func NewAggregator(store Store, observer Observer, logger *slog.Logger, maxGap time.Duration, loc *time.Location) *Aggregator {
	if maxGap <= 0 {
		maxGap = 2 * time.Minute
	}
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{
		store:    store,
		observer: observer,
		logger:   logger,
		maxGap:   maxGap,
		loc:      loc,
		now:      time.Now,
		cache:    make(map[cacheKey]models.DriverStats),
	}
}

func (a *Aggregator) windowStart(w models.Window) time.Time {
	if w == models.WindowLifetime {
		return time.Time{}
	}
	n := a.now().In(a.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, a.loc)
}

func (a *Aggregator) Compute(ctx context.Context, driverID string, w models.Window) (models.DriverStats, error) {
	since := a.windowStart(w)
	rides, err := a.store.ListDriverRides(ctx, driverID, models.StatusCompleted, since)
	if err != nil {
		return models.DriverStats{}, fmt.Errorf("list completed rides: %w", err)
	}
	samples, err := a.store.ListSamples(ctx, driverID, since)
	if err != nil {
		return models.DriverStats{}, fmt.Errorf("list samples: %w", err)
	}

	s := models.DriverStats{DriverID: driverID, Window: w, AverageRating: DefaultRating, ComputedAt: a.now()}
	var ratingSum float64
	rated := 0
	for _, r := range rides {
		s.Earnings += r.DriverShare
		s.Rides++
		if r.Rating != nil {
			ratingSum += *r.Rating
			rated++
		}
	}
	if rated > 0 {
		s.AverageRating = ratingSum / float64(rated)
	}
	s.OnlineDuration = OnlineDuration(samples, a.maxGap)

	a.mu.Lock()
	a.cache[cacheKey{driverID, w}] = s
	a.mu.Unlock()
	return s, nil
}

// OnlineDuration sums the gaps between consecutive samples that do not
// exceed maxGap. Samples must be ordered by time.
func OnlineDuration(samples []models.PositionSample, maxGap time.Duration) time.Duration {
	var total time.Duration
	for i := 1; i < len(samples); i++ {
		gap := samples[i].Position.Timestamp.Sub(samples[i-1].Position.Timestamp)
		if gap > 0 && gap <= maxGap {
			total += gap
		}
	}
	return total
}

// RecordCompletion folds a completed ride into the driver's totals and
// refreshes both windows.
func (a *Aggregator) RecordCompletion(ctx context.Context, ride *models.Ride) error {
	if ride.AssignedDriver == nil {
		return fmt.Errorf("%w: completed ride %s has no driver", models.ErrInvalidTransition, ride.ID)
	}
	driverID := *ride.AssignedDriver
	if err := a.store.AddCompletion(ctx, driverID, ride.DriverShare); err != nil {
		a.logger.Warn("driver totals not updated", "driver_id", driverID, "ride_id", ride.ID, "error", err)
	}
	for _, w := range []models.Window{models.WindowToday, models.WindowLifetime} {
		s, err := a.Compute(ctx, driverID, w)
		if err != nil {
			return err
		}
		if a.observer != nil {
			a.observer.OnStatsUpdated(driverID, s)
		}
	}
	return nil
}

// Cached returns the last computed stats without touching the store.
func (a *Aggregator) Cached(driverID string, w models.Window) (models.DriverStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.cache[cacheKey{driverID, w}]
	return s, ok
}
