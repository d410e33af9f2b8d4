package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/session"
)

type Sessions interface {
	GoOnline(ctx context.Context, driverID string) (*session.Session, error)
	GoOffline(ctx context.Context, driverID string)
	Candidates(driverID string) ([]feed.Candidate, error)
	Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error)
	Decline(ctx context.Context, driverID, rideID string) error
}

type Rides interface {
	Request(ctx context.Context, req models.RideRequest) (*models.Ride, error)
	Transition(ctx context.Context, rideID string, target models.Status, meta ride.Meta) (*models.Ride, error)
}

type RideReader interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListEvents(ctx context.Context, rideID string) ([]models.AuditEvent, error)
	ListTrace(ctx context.Context, rideID string) ([]models.PositionSample, error)
}

type Stats interface {
	Compute(ctx context.Context, driverID string, w models.Window) (models.DriverStats, error)
}

type Server struct {
	Sessions Sessions
	Rides    Rides
	Store    RideReader
	Stats    Stats
	Fixes    *location.FixBuffer
	Addrs    *location.AddrBook
	WSReg    *dispatch.WSRegistry
	// Ready reports backing-service health for /ready; nil means always ready.
	Ready func(ctx context.Context) error

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires routes and middleware onto s and returns it.
func NewServer(s *Server, logger *slog.Logger) *Server {
	s.logger = logger
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleRideRequest).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/events", s.handleRideEvents).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/trace", s.handleRideTrace).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/transition", s.handleTransition).Methods(http.MethodPost)

	api.HandleFunc("/drivers/{id}/online", s.handleOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/fixes", s.handleFixes).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/stats", s.handleStats).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/drivers/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
		handlers.ExposedHeaders([]string{"X-Request-ID"}),
	)(s.mux)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
