package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

type driverBody struct {
	DriverID string `json:"driver_id"`
}

type transitionBody struct {
	Status    models.Status `json:"status"`
	ActorType string        `json:"actor_type"`
	ActorID   string        `json:"actor_id"`
	Reason    string        `json:"reason"`
	Rating    *float64      `json:"rating"`
}

type onlineBody struct {
	Position *models.Position `json:"position"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := s.Rides.Request(r.Context(), rr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	got, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleRideEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetRide(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.Store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRideTrace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetRide(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	trace, err := s.Store.ListTrace(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var b driverBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	accepted, err := s.Sessions.Accept(r.Context(), b.DriverID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var b driverBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := s.Sessions.Decline(r.Context(), b.DriverID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var b transitionBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	meta := ride.Meta{ActorType: b.ActorType, ActorID: b.ActorID, Reason: b.Reason, Rating: b.Rating}
	switch b.ActorType {
	case ride.ActorDriver:
		meta.DriverID = b.ActorID
	case ride.ActorCustomer, ride.ActorSystem:
	default:
		http.Error(w, "actor_type must be driver, customer or system", http.StatusBadRequest)
		return
	}
	if b.Status == models.StatusAccepted && b.ActorType == ride.ActorDriver {
		// claims go through the driver's session so its queue stays in sync
		accepted, err := s.Sessions.Accept(r.Context(), b.ActorID, mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accepted)
		return
	}
	updated, err := s.Rides.Transition(r.Context(), mux.Vars(r)["id"], b.Status, meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.Addrs.Set(id, remoteIP(r))

	var b onlineBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Position != nil {
		if !s.pushFix(w, id, *b.Position) {
			return
		}
	}
	sess, err := s.Sessions.GoOnline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	s.Sessions.GoOffline(r.Context(), mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFixes(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var pos models.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Addrs.Set(id, remoteIP(r))
	if !s.pushFix(w, id, pos) {
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// pushFix validates and buffers a raw device fix; it writes a 400 and
// returns false when the fix is unusable.
func (s *Server) pushFix(w http.ResponseWriter, driverID string, pos models.Position) bool {
	if !geo.ValidCoord(pos.Coord) {
		http.Error(w, "invalid coordinates", http.StatusBadRequest)
		return false
	}
	if pos.Timestamp.IsZero() {
		pos.Timestamp = time.Now().UTC()
	}
	s.Fixes.Push(driverID, pos)
	return true
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	cands, err := s.Sessions.Candidates(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window, ok := models.ParseWindow(r.URL.Query().Get("window"))
	if !ok {
		http.Error(w, "window must be today or lifetime", http.StatusBadRequest)
		return
	}
	st, err := s.Stats.Compute(r.Context(), mux.Vars(r)["id"], window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// inbound is a frame sent by the driver app over the socket.
type inbound struct {
	Type     string          `json:"type"`
	Position models.Position `json:"position"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.Addrs.Set(id, remoteIP(r))
	sess := s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, sess)
		_ = conn.Close()
	}()

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read ended", "driver_id", id, "error", err)
			}
			return
		}
		if msg.Type == "fix" && geo.ValidCoord(msg.Position.Coord) {
			if msg.Position.Timestamp.IsZero() {
				msg.Position.Timestamp = time.Now().UTC()
			}
			s.Fixes.Push(id, msg.Position)
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrRideNotFound), errors.Is(err, models.ErrDriverNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyAssigned), errors.Is(err, models.ErrLocked),
		errors.Is(err, models.ErrDriverOffline):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotAssignedDriver):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrLocationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrClaimUnknown):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
