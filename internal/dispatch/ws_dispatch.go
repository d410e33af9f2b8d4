package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// Message types pushed to driver sockets.
const (
	TypeCandidateRide    = "candidate_ride"
	TypeCandidateRemoved = "candidate_removed"
	TypeRideNotification = "ride_notification"
	TypeFeedError        = "feed_error"
	TypePositionSample   = "position_sample"
	TypeWarning          = "warning"
	TypeRideState        = "ride_state"
	TypeLegEstimate      = "leg_estimate"
	TypeStats            = "stats"
)

// Envelope is the JSON frame written to a driver socket.
type Envelope struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// WSSession is one connected driver socket.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(env)
}

// WSRegistry holds driver sockets and turns session events into frames.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for driverID, replacing and closing any previous socket.
func (r *WSRegistry) Add(driverID string, conn Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	prev := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
	return s
}

// Remove drops s if it is still the driver's current socket.
func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Send(driverID, typ string, data any) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(Envelope{Type: typ, Data: data, At: time.Now().UTC()}); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "type", typ, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) OnCandidateRide(driverID string, c feed.Candidate) {
	_ = r.Send(driverID, TypeCandidateRide, c)
}

func (r *WSRegistry) OnCandidateRemoved(driverID, rideID string) {
	_ = r.Send(driverID, TypeCandidateRemoved, map[string]string{"ride_id": rideID})
}

func (r *WSRegistry) OnRideNotification(driverID string, n models.RideNotification) {
	_ = r.Send(driverID, TypeRideNotification, n)
}

func (r *WSRegistry) OnFeedError(driverID string, err error) {
	_ = r.Send(driverID, TypeFeedError, map[string]string{"error": err.Error()})
}

func (r *WSRegistry) OnPositionSample(driverID string, s models.PositionSample) {
	_ = r.Send(driverID, TypePositionSample, s)
}

func (r *WSRegistry) OnWarning(driverID, code, message string) {
	_ = r.Send(driverID, TypeWarning, map[string]string{"code": code, "message": message})
}

func (r *WSRegistry) OnRideStateChanged(ride *models.Ride, from models.Status) {
	if ride.AssignedDriver == nil {
		return
	}
	_ = r.Send(*ride.AssignedDriver, TypeRideState, map[string]any{"ride": ride, "from": from})
}

func (r *WSRegistry) OnLegEstimate(driverID string, leg models.LegEstimate) {
	_ = r.Send(driverID, TypeLegEstimate, leg)
}

func (r *WSRegistry) OnStatsUpdated(driverID string, s models.DriverStats) {
	_ = r.Send(driverID, TypeStats, s)
}
