package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

type Store interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	SetOnline(ctx context.Context, id string, online bool, at time.Time) error
	ActiveRide(ctx context.Context, driverID string) (*models.Ride, error)
	ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error)
	ListOpenRides(ctx context.Context, cells []string) ([]*models.Ride, error)
}

type Locator interface {
	Locate(ctx context.Context, driverID string) (models.Position, error)
}

type Tracker interface {
	Start(ctx context.Context, driverID string, rating float64)
	Stop(driverID string)
	Record(ctx context.Context, driverID string, pos models.Position) models.PositionSample
	Tag(driverID, rideID string)
	Untag(driverID string)
}

type Rides interface {
	Transition(ctx context.Context, rideID string, target models.Status, meta ride.Meta) (*models.Ride, error)
}

type Decliner interface {
	Decline(ctx context.Context, rideID, driverID string) error
}

// Manager owns the online/offline lifecycle of driver sessions.
type Manager struct {
	Store    Store
	Locator  Locator
	Tracker  Tracker
	Rides    Rides
	Decliner Decliner
	Index    geo.Index
	Source   feed.Source
	Observer feed.Observer
	Logger   *slog.Logger
	Feed     feed.Config

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

func (m *Manager) driverLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) Get(driverID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[driverID]
	return s, ok
}

// GoOnline locates the driver and opens a session. Going online while
// already online returns the existing session.
func (m *Manager) GoOnline(ctx context.Context, driverID string) (*Session, error) {
	l := m.driverLock(driverID)
	l.Lock()
	defer l.Unlock()

	if s, ok := m.Get(driverID); ok {
		return s, nil
	}
	pos, err := m.Locator.Locate(ctx, driverID)
	if err != nil {
		m.Logger.Warn("go online refused", "driver_id", driverID, "error", err)
		return nil, err
	}
	if err := m.Store.SetOnline(ctx, driverID, true, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("mark driver online: %w", err)
	}
	rating := 5.0
	if d, err := m.Store.GetDriver(ctx, driverID); err == nil && d.Rating > 0 {
		rating = d.Rating
	}

	s := m.open(ctx, driverID, pos.Coord, rating)
	m.Tracker.Record(context.WithoutCancel(ctx), driverID, pos)
	m.Logger.Info("driver online", "driver_id", driverID, "lat", pos.Lat, "lng", pos.Lng, "source", pos.Source)
	return s, nil
}

// open starts tracking and the ride feed for a located driver.
func (m *Manager) open(ctx context.Context, driverID string, pos models.Coord, rating float64) *Session {
	s := newSession(driverID, pos, rating)
	bg := context.WithoutCancel(ctx)

	if r, err := m.Store.ActiveRide(ctx, driverID); err == nil {
		s.setActiveRide(r.ID)
		if r.Status.OnTrip() {
			m.Tracker.Tag(driverID, r.ID)
		}
	} else if !errors.Is(err, models.ErrRideNotFound) {
		m.Logger.Warn("load active ride failed", "driver_id", driverID, "error", err)
	}

	m.Tracker.Start(bg, driverID, rating)

	subCtx, cancel := context.WithCancel(bg)
	s.sub = feed.NewSubscriber(driverID, m.Source, m.Store, s, m.Observer, m.Logger, m.Feed)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.sub.Run(subCtx)
	}()

	m.mu.Lock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[driverID] = s
	m.mu.Unlock()
	observability.DriversOnline.Inc()
	return s
}

// GoOffline closes the session. It is idempotent and never fails;
// persistence errors are logged.
func (m *Manager) GoOffline(ctx context.Context, driverID string) {
	l := m.driverLock(driverID)
	l.Lock()
	defer l.Unlock()

	if m.close(driverID) {
		observability.DriversOnline.Dec()
	}
	if err := m.Store.SetOnline(ctx, driverID, false, time.Now().UTC()); err != nil {
		m.Logger.Error("mark driver offline failed", "driver_id", driverID, "error", err)
	}
	if m.Index != nil {
		if err := m.Index.Remove(ctx, driverID); err != nil {
			m.Logger.Warn("remove from visibility index failed", "driver_id", driverID, "error", err)
		}
	}
	m.Logger.Info("driver offline", "driver_id", driverID)
}

// close stops the session's loops and forgets it.
func (m *Manager) close(driverID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[driverID]
	delete(m.sessions, driverID)
	m.mu.Unlock()
	if !ok {
		m.Tracker.Stop(driverID)
		return false
	}
	s.cancel()
	<-s.done
	m.Tracker.Stop(driverID)
	s.sub.Clear()
	return true
}

// Close stops every session without marking drivers offline, so Restore can
// pick them up after a restart.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if m.close(id) {
			observability.DriversOnline.Dec()
		}
	}
}

// Restore reopens sessions for drivers the store still lists as online,
// using their last known position. Drivers without one are marked offline.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	drivers, err := m.Store.ListOnlineDrivers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range drivers {
		if _, ok := m.Get(d.ID); ok {
			continue
		}
		if d.LastPosition == nil {
			m.GoOffline(ctx, d.ID)
			continue
		}
		l := m.driverLock(d.ID)
		l.Lock()
		m.open(ctx, d.ID, d.LastPosition.Coord, d.Rating)
		l.Unlock()
		n++
	}
	m.Logger.Info("sessions restored", "count", n)
	return n, nil
}

func (m *Manager) Candidates(driverID string) ([]feed.Candidate, error) {
	s, ok := m.Get(driverID)
	if !ok {
		return nil, models.ErrDriverOffline
	}
	return s.Candidates(), nil
}

// Accept asks the arbitrator for the ride. A claim already in flight
// resolves even if the driver goes offline meanwhile.
func (m *Manager) Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	s, ok := m.Get(driverID)
	if !ok {
		return nil, models.ErrDriverOffline
	}
	r, err := m.Rides.Transition(ctx, rideID, models.StatusAccepted, ride.Meta{ActorType: ride.ActorDriver, ActorID: driverID, DriverID: driverID})
	s.sub.Remove(rideID)
	if err != nil {
		return nil, err
	}
	s.setActiveRide(r.ID)
	return r, nil
}

// Decline records the decline and keeps the ride out of this driver's queue
// for good.
func (m *Manager) Decline(ctx context.Context, driverID, rideID string) error {
	if s, ok := m.Get(driverID); ok {
		s.addDeclined(rideID)
		s.sub.Remove(rideID)
	}
	return m.Decliner.Decline(ctx, rideID, driverID)
}

// OnPositionSample keeps the session's last known position current.
func (m *Manager) OnPositionSample(driverID string, sample models.PositionSample) {
	if s, ok := m.Get(driverID); ok {
		s.setPosition(sample.Position.Coord)
	}
}

// OnRideStateChanged follows the active ride of the assigned driver.
func (m *Manager) OnRideStateChanged(r *models.Ride, _ models.Status) {
	if r.AssignedDriver == nil {
		return
	}
	s, ok := m.Get(*r.AssignedDriver)
	if !ok {
		return
	}
	if r.Status.Terminal() {
		s.clearActiveRide(r.ID)
	} else {
		s.setActiveRide(r.ID)
	}
}
