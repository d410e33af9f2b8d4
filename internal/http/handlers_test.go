package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/session"
)

type fakeSessions struct {
	onlineErr error
	acceptErr error
	accepted  []string
	offline   []string
}

func (f *fakeSessions) GoOnline(_ context.Context, driverID string) (*session.Session, error) {
	if f.onlineErr != nil {
		return nil, f.onlineErr
	}
	return &session.Session{DriverID: driverID}, nil
}

func (f *fakeSessions) GoOffline(_ context.Context, driverID string) {
	f.offline = append(f.offline, driverID)
}

func (f *fakeSessions) Candidates(driverID string) ([]feed.Candidate, error) {
	if driverID == "ghost" {
		return nil, models.ErrDriverOffline
	}
	return []feed.Candidate{{Ride: models.Ride{ID: "r1"}, DistanceKm: 1.2}}, nil
}

func (f *fakeSessions) Accept(_ context.Context, driverID, rideID string) (*models.Ride, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	f.accepted = append(f.accepted, driverID+":"+rideID)
	return &models.Ride{ID: rideID, Status: models.StatusAccepted, AssignedDriver: &driverID}, nil
}

func (f *fakeSessions) Decline(context.Context, string, string) error { return nil }

type fakeRides struct {
	lastMeta ride.Meta
	err      error
}

func (f *fakeRides) Request(_ context.Context, req models.RideRequest) (*models.Ride, error) {
	if req.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer_id required", models.ErrBadRequest)
	}
	return &models.Ride{ID: "r-new", CustomerID: req.CustomerID, Status: models.StatusRequested}, nil
}

func (f *fakeRides) Transition(_ context.Context, rideID string, target models.Status, meta ride.Meta) (*models.Ride, error) {
	f.lastMeta = meta
	if f.err != nil {
		return nil, f.err
	}
	return &models.Ride{ID: rideID, Status: target}, nil
}

type fakeReader struct{}

func (fakeReader) GetRide(_ context.Context, id string) (*models.Ride, error) {
	if id != "r1" {
		return nil, models.ErrRideNotFound
	}
	return &models.Ride{ID: "r1", Status: models.StatusRequested}, nil
}

func (fakeReader) ListEvents(context.Context, string) ([]models.AuditEvent, error) {
	return []models.AuditEvent{{RideID: "r1", ToStatus: models.StatusRequested}}, nil
}

func (fakeReader) ListTrace(context.Context, string) ([]models.PositionSample, error) {
	return nil, nil
}

type fakeStats struct{}

func (fakeStats) Compute(_ context.Context, driverID string, w models.Window) (models.DriverStats, error) {
	return models.DriverStats{DriverID: driverID, Window: w, AverageRating: 5}, nil
}

type env struct {
	srv      *Server
	sessions *fakeSessions
	rides    *fakeRides
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{sessions: &fakeSessions{}, rides: &fakeRides{}}
	e.srv = NewServer(&Server{
		Sessions: e.sessions,
		Rides:    e.rides,
		Store:    fakeReader{},
		Stats:    fakeStats{},
		Fixes:    location.NewFixBuffer(),
		Addrs:    location.NewAddrBook(),
		WSReg:    dispatch.NewWSRegistry(logging.Discard()),
	}, logging.Discard())
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestRideRequestCreates(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/rides", `{"customer_id":"c1","pickup":{"lat":9.5,"lng":-13.7}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("missing content type")
	}

	rec = e.do(http.MethodPost, "/api/v1/rides", `{"pickup":{"lat":9.5,"lng":-13.7}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrRideNotFound, http.StatusNotFound},
		{models.ErrAlreadyAssigned, http.StatusConflict},
		{fmt.Errorf("claim: %w", models.ErrLocked), http.StatusConflict},
		{models.ErrInvalidTransition, http.StatusUnprocessableEntity},
		{models.ErrLocationUnavailable, http.StatusServiceUnavailable},
		{models.ErrClaimUnknown, http.StatusGatewayTimeout},
		{models.ErrNotAssignedDriver, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestAcceptConflict(t *testing.T) {
	e := newEnv(t)
	e.sessions.acceptErr = models.ErrAlreadyAssigned
	rec := e.do(http.MethodPost, "/api/v1/rides/r1/accept", `{"driver_id":"d2"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	rec = e.do(http.MethodPost, "/api/v1/rides/r1/accept", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without driver, got %d", rec.Code)
	}
}

func TestTransitionRoutesDriverAcceptThroughSession(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/rides/r1/transition", `{"status":"accepted","actor_type":"driver","actor_id":"d1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(e.sessions.accepted) != 1 || e.sessions.accepted[0] != "d1:r1" {
		t.Fatalf("accept not routed through session: %v", e.sessions.accepted)
	}

	rec = e.do(http.MethodPost, "/api/v1/rides/r1/transition", `{"status":"arriving","actor_type":"driver","actor_id":"d1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if e.rides.lastMeta.DriverID != "d1" {
		t.Fatalf("driver id not carried: %+v", e.rides.lastMeta)
	}

	e.rides.err = models.ErrInvalidTransition
	rec = e.do(http.MethodPost, "/api/v1/rides/r1/transition", `{"status":"completed","actor_type":"customer","actor_id":"c1"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = e.do(http.MethodPost, "/api/v1/rides/r1/transition", `{"status":"completed","actor_type":"robot"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGoOnlineWithoutLocation(t *testing.T) {
	e := newEnv(t)
	e.sessions.onlineErr = fmt.Errorf("%w: all tiers failed", models.ErrLocationUnavailable)
	rec := e.do(http.MethodPost, "/api/v1/drivers/d1/online", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGoOnlineWithInitialFix(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/drivers/d1/online", `{"position":{"lat":9.5,"lng":-13.7,"accuracy":8}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := e.srv.Fixes.Latest("d1"); !ok {
		t.Fatalf("initial fix not buffered")
	}
	var info session.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil || info.DriverID != "d1" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestFixesBufferAndRecordAddress(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/drivers/d1/fixes", bytes.NewBufferString(`{"lat":9.5,"lng":-13.7,"accuracy":12}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	fix, ok := e.srv.Fixes.Latest("d1")
	if !ok || fix.Timestamp.IsZero() {
		t.Fatalf("fix not stored with timestamp: %+v", fix)
	}
	if ip, _ := e.srv.Addrs.IP("d1"); ip != "203.0.113.9" {
		t.Fatalf("unexpected ip %q", ip)
	}

	rec = e.do(http.MethodPost, "/api/v1/drivers/d1/fixes", `{"lat":95,"lng":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad latitude, got %d", rec.Code)
	}
}

func TestCandidatesAndStats(t *testing.T) {
	e := newEnv(t)
	if rec := e.do(http.MethodGet, "/api/v1/drivers/d1/candidates", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/api/v1/drivers/ghost/candidates", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for offline driver, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/api/v1/drivers/d1/stats?window=lifetime", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/api/v1/drivers/d1/stats?window=week", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRideReadsAndOffline(t *testing.T) {
	e := newEnv(t)
	if rec := e.do(http.MethodGet, "/api/v1/rides/r1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/api/v1/rides/nope/trace", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := e.do(http.MethodGet, "/api/v1/rides/r1/events", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := e.do(http.MethodPost, "/api/v1/drivers/d1/offline", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(e.sessions.offline) != 1 {
		t.Fatalf("offline not forwarded")
	}
}

func TestReadiness(t *testing.T) {
	e := newEnv(t)
	if rec := e.do(http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
	e.srv.Ready = func(context.Context) error { return errors.New("redis down") }
	if rec := e.do(http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestWebsocketDeliversFramesAndAcceptsFixes(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/drivers/d1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "fix", "position": map[string]any{"lat": 9.5, "lng": -13.7, "accuracy": 5}}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !e.srv.WSReg.Connected("d1") || !hasFix(e.srv.Fixes, "d1") {
		if time.Now().After(deadline) {
			t.Fatalf("socket not registered or fix not buffered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.srv.WSReg.OnWarning("d1", location.WarningLocationLost, "gone")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env dispatch.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != dispatch.TypeWarning {
		t.Fatalf("unexpected frame type %q", env.Type)
	}
}

func hasFix(b *location.FixBuffer, id string) bool {
	_, ok := b.Latest(id)
	return ok
}

func TestRequestIDGeneratedOrEchoed(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/healthz", "")
	if _, err := uuid.Parse(rec.Header().Get("X-Request-ID")); err != nil {
		t.Fatalf("generated request id %q is not a uuid: %v", rec.Header().Get("X-Request-ID"), err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Fatalf("caller request id not echoed, got %q", got)
	}
}

func TestAccessLogCarriesEntityIDs(t *testing.T) {
	var buf bytes.Buffer
	e := newEnv(t)
	e.srv = NewServer(&Server{
		Sessions: e.sessions,
		Rides:    e.rides,
		Store:    fakeReader{},
		Stats:    fakeStats{},
		Fixes:    location.NewFixBuffer(),
		Addrs:    location.NewAddrBook(),
		WSReg:    dispatch.NewWSRegistry(logging.Discard()),
	}, slog.New(slog.NewJSONHandler(&buf, nil)))

	e.do(http.MethodGet, "/api/v1/drivers/d7/stats", "")
	e.do(http.MethodGet, "/api/v1/rides/r9", "")

	var lines []map[string]any
	for _, l := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]any
		if err := json.Unmarshal(l, &m); err != nil {
			t.Fatalf("bad log line %s: %v", l, err)
		}
		if m["msg"] == "http_request" {
			lines = append(lines, m)
		}
	}
	if len(lines) != 2 {
		t.Fatalf("expected two access log lines, got %d", len(lines))
	}
	if lines[0]["driver_id"] != "d7" || lines[0]["ride_id"] != nil {
		t.Fatalf("driver route logged %v", lines[0])
	}
	if lines[1]["ride_id"] != "r9" || lines[1]["driver_id"] != nil {
		t.Fatalf("ride route logged %v", lines[1])
	}
}
