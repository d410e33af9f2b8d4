package session

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
)

// Session is the explicit per-driver context: everything the manager knows
// about one online driver.
type Session struct {
	DriverID string

	mu         sync.Mutex
	position   models.Coord
	located    bool
	rating     float64
	activeRide string
	declined   map[string]struct{}

	sub    *feed.Subscriber
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(driverID string, pos models.Coord, rating float64) *Session {
	return &Session{
		DriverID: driverID,
		position: pos,
		located:  true,
		rating:   rating,
		declined: make(map[string]struct{}),
	}
}

// Position is the last known position.
func (s *Session) Position() (models.Coord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, s.located
}

func (s *Session) setPosition(c models.Coord) {
	s.mu.Lock()
	s.position = c
	s.located = true
	s.mu.Unlock()
}

// HasDeclined reports whether the driver declined the ride during this session.
func (s *Session) HasDeclined(rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.declined[rideID]
	return ok
}

func (s *Session) addDeclined(rideID string) {
	s.mu.Lock()
	s.declined[rideID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) ActiveRide() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRide, s.activeRide != ""
}

func (s *Session) setActiveRide(id string) {
	s.mu.Lock()
	s.activeRide = id
	s.mu.Unlock()
}

// clearActiveRide clears the active ride if it is still id.
func (s *Session) clearActiveRide(id string) {
	s.mu.Lock()
	if s.activeRide == id {
		s.activeRide = ""
	}
	s.mu.Unlock()
}

func (s *Session) Candidates() []feed.Candidate {
	if s.sub == nil {
		return nil
	}
	return s.sub.Candidates()
}

// Info is the externally visible state of a session.
type Info struct {
	DriverID     string       `json:"driver_id"`
	Online       bool         `json:"online"`
	Position     models.Coord `json:"position"`
	ActiveRideID string       `json:"active_ride_id,omitempty"`
	Candidates   int          `json:"candidates"`
}

func (s *Session) Info() Info {
	pos, _ := s.Position()
	active, _ := s.ActiveRide()
	return Info{DriverID: s.DriverID, Online: true, Position: pos, ActiveRideID: active, Candidates: len(s.Candidates())}
}
