package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// WarningLocationLost is raised once per outage when sampling keeps failing.
const WarningLocationLost = "location_lost"

type Locator interface {
	Locate(ctx context.Context, driverID string) (models.Position, error)
}

// SampleSink receives every accepted position sample.
type SampleSink interface {
	AppendSample(ctx context.Context, s models.PositionSample) error
}

type PositionStore interface {
	UpdatePosition(ctx context.Context, driverID string, p models.Position) error
}

type Observer interface {
	OnPositionSample(driverID string, s models.PositionSample)
	OnWarning(driverID, code, message string)
}

type TrackerConfig struct {
	Interval         time.Duration
	FailureThreshold int
}

// Tracker samples the position of every tracked driver at a fixed interval.
type Tracker struct {
	locator   Locator
	positions PositionStore
	index     geo.Index
	sink      SampleSink
	observer  Observer
	logger    *slog.Logger
	cfg       TrackerConfig

	mu      sync.Mutex
	running map[string]*trackLoop
	tags    map[string]string
	ratings map[string]float64
}

type trackLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(locator Locator, positions PositionStore, index geo.Index, sink SampleSink, observer Observer, logger *slog.Logger, cfg TrackerConfig) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Tracker{
		locator:   locator,
		positions: positions,
		index:     index,
		sink:      sink,
		observer:  observer,
		logger:    logger,
		cfg:       cfg,
		running:   make(map[string]*trackLoop),
		tags:      make(map[string]string),
		ratings:   make(map[string]float64),
	}
}

// Start begins periodic sampling for the driver. Starting an already tracked
// driver is a no-op. rating is carried into the visibility index.
func (t *Tracker) Start(ctx context.Context, driverID string, rating float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ratings[driverID] = rating
	if _, ok := t.running[driverID]; ok {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l := &trackLoop{cancel: cancel, done: make(chan struct{})}
	t.running[driverID] = l
	go t.loop(loopCtx, driverID, l.done)
}

// Stop halts sampling and waits for the loop to exit. Safe to call repeatedly.
func (t *Tracker) Stop(driverID string) {
	t.mu.Lock()
	l, ok := t.running[driverID]
	delete(t.running, driverID)
	t.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
}

func (t *Tracker) Running(driverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[driverID]
	return ok
}

// Tag attributes subsequent samples of the driver to a ride (trip trace).
func (t *Tracker) Tag(driverID, rideID string) {
	t.mu.Lock()
	t.tags[driverID] = rideID
	t.mu.Unlock()
}

func (t *Tracker) Untag(driverID string) {
	t.mu.Lock()
	delete(t.tags, driverID)
	t.mu.Unlock()
}

func (t *Tracker) TagOf(driverID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.tags[driverID]
	return id, ok
}

// StopAll halts every loop; used at shutdown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.running))
	for id := range t.running {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Stop(id)
	}
}

func (t *Tracker) loop(ctx context.Context, driverID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pos, err := t.locator.Locate(ctx, driverID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			t.logger.Debug("position sample failed", "driver_id", driverID, "failures", failures, "error", err)
			if failures == t.cfg.FailureThreshold {
				t.logger.Warn("position unavailable", "driver_id", driverID, "failures", failures)
				if t.observer != nil {
					t.observer.OnWarning(driverID, WarningLocationLost, "position unavailable; keeping last known location")
				}
			}
			continue
		}
		failures = 0
		t.Record(ctx, driverID, pos)
	}
}

// Record ingests one accepted fix: last-known position, visibility index,
// telemetry sink and observer. Persistence failures are logged, never fatal.
func (t *Tracker) Record(ctx context.Context, driverID string, pos models.Position) models.PositionSample {
	t.mu.Lock()
	rideID, tagged := t.tags[driverID]
	rating := t.ratings[driverID]
	t.mu.Unlock()

	if err := t.positions.UpdatePosition(ctx, driverID, pos); err != nil {
		t.logger.Warn("update last position failed", "driver_id", driverID, "error", err)
	}
	if t.index != nil {
		if err := t.index.Upsert(ctx, geo.DriverPoint{ID: driverID, Loc: pos.Coord, Rating: rating, Updated: pos.Timestamp}); err != nil {
			t.logger.Warn("visibility index update failed", "driver_id", driverID, "error", err)
		}
	}

	sample := models.PositionSample{ID: uuid.NewString(), DriverID: driverID, Position: pos}
	if tagged {
		sample.RideID = &rideID
	}
	if err := t.sink.AppendSample(ctx, sample); err != nil {
		if !errors.Is(err, models.ErrTelemetryWriteFailed) {
			err = errors.Join(models.ErrTelemetryWriteFailed, err)
		}
		observability.TelemetryWriteErrors.Inc()
		t.logger.Warn("telemetry write failed", "driver_id", driverID, "error", err)
	} else {
		observability.SamplesTotal.Inc()
	}
	if t.observer != nil {
		t.observer.OnPositionSample(driverID, sample)
	}
	return sample
}
