package feed

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Candidate is a ride offered to one driver.
type Candidate struct {
	Ride       models.Ride `json:"ride"`
	DistanceKm float64     `json:"distance_km"`
}

type RideLister interface {
	ListOpenRides(ctx context.Context, cells []string) ([]*models.Ride, error)
}

// DriverView is what the subscriber needs to know about its driver.
type DriverView interface {
	Position() (models.Coord, bool)
	HasDeclined(rideID string) bool
}

type Observer interface {
	OnCandidateRide(driverID string, c Candidate)
	OnCandidateRemoved(driverID, rideID string)
	OnRideNotification(driverID string, n models.RideNotification)
	OnFeedError(driverID string, err error)
}

type Config struct {
	CandidateRadiusKm float64
	NotifyRadiusKm    float64
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

func (c Config) withDefaults() Config {
	if c.CandidateRadiusKm <= 0 {
		c.CandidateRadiusKm = 5
	}
	if c.NotifyRadiusKm <= 0 {
		c.NotifyRadiusKm = 10
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Subscriber keeps one online driver's candidate queue in sync with the ride
// change stream.
type Subscriber struct {
	driverID string
	source   Source
	rides    RideLister
	driver   DriverView
	observer Observer
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	queue    []Candidate
	versions map[string]int
	notified map[string]struct{}
}

func NewSubscriber(driverID string, source Source, rides RideLister, driver DriverView, observer Observer, logger *slog.Logger, cfg Config) *Subscriber {
	return &Subscriber{
		driverID: driverID,
		source:   source,
		rides:    rides,
		driver:   driver,
		observer: observer,
		logger:   logger.With("driver_id", driverID),
		cfg:      cfg.withDefaults(),
		versions: make(map[string]int),
		notified: make(map[string]struct{}),
	}
}

// Run subscribes, evaluates a snapshot of open rides and then follows the
// stream until ctx ends, reconnecting with exponential backoff.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := s.cfg.MinBackoff
	for {
		events, errs, err := s.source.Subscribe(ctx)
		if err == nil {
			backoff = s.cfg.MinBackoff
			if serr := s.Snapshot(ctx); serr != nil {
				s.logger.Warn("open ride snapshot failed", "error", serr)
			}
			for ev := range events {
				s.Handle(ev)
			}
			err = <-errs
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil || !errors.Is(err, models.ErrFeedDisconnected) {
			err = errors.Join(models.ErrFeedDisconnected, err)
		}
		observability.FeedDisconnects.Inc()
		s.logger.Warn("ride feed disconnected", "error", err, "retry_in", backoff)
		if s.observer != nil {
			s.observer.OnFeedError(s.driverID, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// Snapshot evaluates the open rides around the driver and drops queued rides
// that are no longer open.
func (s *Subscriber) Snapshot(ctx context.Context) error {
	pos, ok := s.driver.Position()
	if !ok {
		return nil
	}
	radius := math.Max(s.cfg.CandidateRadiusKm, s.cfg.NotifyRadiusKm)
	open, err := s.rides.ListOpenRides(ctx, geo.CoverCells(pos, radius))
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(open))
	for _, r := range open {
		seen[r.ID] = struct{}{}
		s.evaluate(*r, false)
	}

	s.mu.Lock()
	var gone []string
	for _, c := range s.queue {
		if _, ok := seen[c.Ride.ID]; !ok {
			gone = append(gone, c.Ride.ID)
		}
	}
	for _, id := range gone {
		s.removeLocked(id)
	}
	s.mu.Unlock()
	for _, id := range gone {
		s.removed(id)
	}
	return nil
}

// Handle applies one change event. Duplicates and stale versions are ignored.
func (s *Subscriber) Handle(ev models.RideEvent) {
	s.evaluate(ev.Ride, ev.Kind == models.EventCreated)
}

func (s *Subscriber) evaluate(r models.Ride, created bool) {
	s.mu.Lock()
	if v, ok := s.versions[r.ID]; ok && r.Version <= v {
		// a snapshot may have raced ahead of the creation event
		var note *models.RideNotification
		if created && r.Version == v && r.Open() {
			note = s.noteLocked(r)
		}
		s.mu.Unlock()
		s.notify(note)
		return
	}
	s.versions[r.ID] = r.Version

	if !r.Open() {
		was := s.removeLocked(r.ID)
		s.mu.Unlock()
		if was {
			s.removed(r.ID)
		}
		return
	}

	pos, located := s.driver.Position()
	dist := math.Inf(1)
	if located {
		dist = geo.DistanceKm(pos, r.Pickup)
	}

	var note *models.RideNotification
	if created {
		note = s.noteLocked(r)
	}

	eligible := located && dist <= s.cfg.CandidateRadiusKm &&
		!r.DeclinedBy(s.driverID) && !s.driver.HasDeclined(r.ID)

	var added *Candidate
	removed := false
	if i := s.indexLocked(r.ID); i >= 0 {
		if eligible {
			s.queue[i] = Candidate{Ride: r, DistanceKm: dist}
			s.sortLocked()
		} else {
			s.removeLocked(r.ID)
			removed = true
		}
	} else if eligible {
		c := Candidate{Ride: r, DistanceKm: dist}
		s.queue = append(s.queue, c)
		s.sortLocked()
		added = &c
	}
	s.mu.Unlock()

	s.notify(note)
	if added != nil {
		observability.CandidatesEnqueued.Inc()
		s.logger.Debug("candidate ride enqueued", "ride_id", r.ID, "distance_km", dist)
		if s.observer != nil {
			s.observer.OnCandidateRide(s.driverID, *added)
		}
	}
	if removed {
		s.removed(r.ID)
	}
}

// noteLocked builds the awareness notification for a newly created ride,
// once per ride.
func (s *Subscriber) noteLocked(r models.Ride) *models.RideNotification {
	if _, done := s.notified[r.ID]; done {
		return nil
	}
	s.notified[r.ID] = struct{}{}
	n := &models.RideNotification{RideID: r.ID, Ride: r}
	if pos, ok := s.driver.Position(); ok {
		n.DistanceKm = geo.DistanceKm(pos, r.Pickup)
		n.WithinNotifyRadius = n.DistanceKm <= s.cfg.NotifyRadiusKm
	}
	return n
}

func (s *Subscriber) notify(n *models.RideNotification) {
	if n == nil {
		return
	}
	observability.NotificationsTotal.Inc()
	if s.observer != nil {
		s.observer.OnRideNotification(s.driverID, *n)
	}
}

// Candidates returns the queue ordered by distance, then age.
func (s *Subscriber) Candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candidate(nil), s.queue...)
}

// Remove drops a ride from the queue without notifying the observer.
func (s *Subscriber) Remove(rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(rideID)
}

// Clear empties the queue.
func (s *Subscriber) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

func (s *Subscriber) removed(rideID string) {
	if s.observer != nil {
		s.observer.OnCandidateRemoved(s.driverID, rideID)
	}
}

func (s *Subscriber) indexLocked(rideID string) int {
	for i, c := range s.queue {
		if c.Ride.ID == rideID {
			return i
		}
	}
	return -1
}

func (s *Subscriber) removeLocked(rideID string) bool {
	i := s.indexLocked(rideID)
	if i < 0 {
		return false
	}
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	return true
}

func (s *Subscriber) sortLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Ride.CreatedAt.Before(b.Ride.CreatedAt)
	})
}
