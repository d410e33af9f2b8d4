package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	ActorDriver   = "driver"
	ActorCustomer = "customer"
	ActorSystem   = "system"
)

// Meta describes who asked for a transition.
type Meta struct {
	ActorType string   `json:"actor_type"`
	ActorID   string   `json:"actor_id"`
	DriverID  string   `json:"driver_id,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Rating    *float64 `json:"rating,omitempty"`
}

type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateStatus(ctx context.Context, c storage.StatusChange) (bool, error)
	LockRide(ctx context.Context, rideID string, now, until time.Time) (bool, error)
	UnlockRide(ctx context.Context, rideID string) error
	AppendEvent(ctx context.Context, e models.AuditEvent) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
}

// Claimer is the only path that binds a driver to a ride.
type Claimer interface {
	Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error)
}

// Tracer attributes position samples to a trip.
type Tracer interface {
	Tag(driverID, rideID string)
	Untag(driverID string)
}

type Planner interface {
	Leg(ctx context.Context, ride *models.Ride, driverID string, from models.Coord) (models.LegEstimate, bool)
}

type StatsRecorder interface {
	RecordCompletion(ctx context.Context, ride *models.Ride) error
}

type Observer interface {
	OnRideStateChanged(ride *models.Ride, from models.Status)
	OnLegEstimate(driverID string, leg models.LegEstimate)
}

// Machine validates and commits ride lifecycle transitions and runs their
// side effects. Store and Claimer are required; the rest are optional.
type Machine struct {
	Store     Store
	Claimer   Claimer
	Publisher feed.Publisher
	Tracer    Tracer
	Planner   Planner
	Stats     StatsRecorder
	Observer  Observer
	Logger    *slog.Logger
	LockTTL   time.Duration
	Now       func() time.Time
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Request creates a ride in the requested state (order intake).
func (m *Machine) Request(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	id := uuid.New()
	r := &models.Ride{
		ID:              id.String(),
		Code:            fmt.Sprintf("R-%X", id[:3]),
		CustomerID:      req.CustomerID,
		Pickup:          req.Pickup,
		PickupAddress:   req.PickupAddress,
		Dropoff:         req.Dropoff,
		DropoffAddress:  req.DropoffAddress,
		Status:          models.StatusRequested,
		DeclinedDrivers: []string{},
		FareTotal:       req.FareTotal,
		DriverShare:     req.DriverShare,
		Version:         1,
		CreatedAt:       m.now().UTC(),
	}
	if err := m.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()
	m.Logger.Info("ride requested", "ride_id", r.ID, "customer_id", r.CustomerID)
	m.audit(ctx, r.ID, "", models.StatusRequested, Meta{ActorType: ActorCustomer, ActorID: r.CustomerID})
	m.publish(ctx, models.EventCreated, r)
	return r, nil
}

// Transition moves the ride to target. Requesting the state the ride is
// already in is a no-op.
func (m *Machine) Transition(ctx context.Context, rideID string, target models.Status, meta Meta) (*models.Ride, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidTransition, target)
	}
	if meta.Rating != nil && (*meta.Rating < 1 || *meta.Rating > 5) {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrBadRequest)
	}
	ride, err := m.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if target == models.StatusAccepted {
		return m.accept(ctx, ride, meta)
	}
	if ride.Status == target {
		return ride, nil
	}
	if meta.ActorType == ActorDriver && !ride.AssignedTo(meta.DriverID) {
		return nil, fmt.Errorf("%w: ride %s", models.ErrNotAssignedDriver, ride.ID)
	}
	if !models.CanTransition(ride.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, ride.Status, target)
	}

	from := ride.Status
	now := m.now().UTC()
	if from == models.StatusRequested && target == models.StatusCancelled {
		ok, err := m.Store.LockRide(ctx, ride.ID, now, now.Add(m.lockTTL()))
		if err != nil {
			return nil, err
		}
		if !ok {
			return m.missed(ctx, ride.ID, from, target)
		}
	}

	ok, err := m.Store.UpdateStatus(ctx, storage.StatusChange{
		RideID: ride.ID, From: from, To: target, At: now, Reason: meta.Reason, Rating: meta.Rating,
	})
	if err != nil {
		if from == models.StatusRequested {
			_ = m.Store.UnlockRide(context.WithoutCancel(ctx), ride.ID)
		}
		return nil, err
	}
	if !ok {
		return m.missed(ctx, ride.ID, from, target)
	}

	updated, err := m.Store.GetRide(ctx, ride.ID)
	if err != nil {
		updated = ride.Clone()
		updated.Status = target
		updated.SetTimestamp(target, now)
		updated.Version++
	}
	m.committed(context.WithoutCancel(ctx), updated, from, meta)
	return updated, nil
}

// missed classifies a conditional write that matched nothing.
func (m *Machine) missed(ctx context.Context, rideID string, from, target models.Status) (*models.Ride, error) {
	cur, err := m.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch {
	case cur.Status == target:
		return cur, nil
	case cur.Status == models.StatusRequested && cur.LeaseHeld(m.now()):
		return nil, fmt.Errorf("%w: ride %s", models.ErrLocked, rideID)
	}
	return nil, fmt.Errorf("%w: ride moved from %s to %s concurrently", models.ErrInvalidTransition, from, cur.Status)
}

func (m *Machine) accept(ctx context.Context, ride *models.Ride, meta Meta) (*models.Ride, error) {
	if meta.ActorType == ActorCustomer {
		return nil, fmt.Errorf("%w: only drivers accept rides", models.ErrBadRequest)
	}
	driverID := meta.DriverID
	if driverID == "" {
		driverID = meta.ActorID
	}
	if driverID == "" {
		return nil, fmt.Errorf("%w: accept needs a driver", models.ErrBadRequest)
	}
	switch ride.Status {
	case models.StatusRequested:
	case models.StatusAccepted:
		if ride.AssignedTo(driverID) {
			return ride, nil
		}
		// another driver holds it; the arbitrator reports the lost race
	default:
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, ride.Status, models.StatusAccepted)
	}
	from := ride.Status
	claimed, err := m.Claimer.Accept(ctx, ride.ID, driverID)
	if err != nil {
		return nil, err
	}
	if from == models.StatusRequested {
		m.sideEffects(context.WithoutCancel(ctx), claimed, from)
	}
	return claimed, nil
}

func (m *Machine) committed(ctx context.Context, ride *models.Ride, from models.Status, meta Meta) {
	m.Logger.Info("ride transitioned", "ride_id", ride.ID, "from", from, "to", ride.Status, "actor", meta.ActorType)
	m.audit(ctx, ride.ID, from, ride.Status, meta)
	m.publish(ctx, models.EventUpdated, ride)
	m.sideEffects(ctx, ride, from)
}

func (m *Machine) sideEffects(ctx context.Context, ride *models.Ride, from models.Status) {
	observability.TransitionsTotal.WithLabelValues(string(ride.Status)).Inc()

	var driverID string
	if ride.AssignedDriver != nil {
		driverID = *ride.AssignedDriver
	}
	if driverID != "" && m.Tracer != nil {
		switch {
		case ride.Status.OnTrip():
			m.Tracer.Tag(driverID, ride.ID)
		case ride.Status.Terminal():
			m.Tracer.Untag(driverID)
		}
	}
	if driverID != "" && m.Planner != nil && ride.Status.Active() {
		m.estimate(ctx, ride, driverID)
	}
	if ride.Status == models.StatusCompleted && m.Stats != nil {
		if err := m.Stats.RecordCompletion(ctx, ride); err != nil {
			m.Logger.Error("record completion failed", "ride_id", ride.ID, "error", err)
		}
	}
	if m.Observer != nil {
		m.Observer.OnRideStateChanged(ride, from)
	}
}

func (m *Machine) estimate(ctx context.Context, ride *models.Ride, driverID string) {
	d, err := m.Store.GetDriver(ctx, driverID)
	if err != nil || d.LastPosition == nil {
		m.Logger.Debug("no driver position for leg estimate", "ride_id", ride.ID, "driver_id", driverID, "error", err)
		return
	}
	leg, ok := m.Planner.Leg(ctx, ride, driverID, d.LastPosition.Coord)
	if ok && m.Observer != nil {
		m.Observer.OnLegEstimate(driverID, leg)
	}
}

func (m *Machine) audit(ctx context.Context, rideID string, from, to models.Status, meta Meta) {
	e := models.AuditEvent{
		ID:         uuid.NewString(),
		RideID:     rideID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  meta.ActorType,
		ActorID:    meta.ActorID,
		Detail:     meta.Reason,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.Store.AppendEvent(ctx, e); err != nil {
		m.Logger.Error("append ride event failed", "ride_id", rideID, "error", err)
	}
}

func (m *Machine) publish(ctx context.Context, kind models.EventKind, ride *models.Ride) {
	if m.Publisher == nil {
		return
	}
	if err := m.Publisher.Publish(ctx, feed.NewEvent(kind, ride)); err != nil {
		m.Logger.Warn("publish ride event failed", "ride_id", ride.ID, "error", err)
	}
}

func (m *Machine) lockTTL() time.Duration {
	if m.LockTTL > 0 {
		return m.LockTTL
	}
	return 5 * time.Second
}

func validateRequest(req models.RideRequest) error {
	var errs []error
	if req.CustomerID == "" {
		errs = append(errs, errors.New("customer_id is required"))
	}
	if !geo.ValidCoord(req.Pickup) {
		errs = append(errs, errors.New("pickup is not a valid coordinate"))
	}
	if !geo.ValidCoord(req.Dropoff) {
		errs = append(errs, errors.New("dropoff is not a valid coordinate"))
	}
	if req.FareTotal < 0 || req.DriverShare < 0 || req.DriverShare > req.FareTotal {
		errs = append(errs, errors.New("driver_share must be between 0 and fare_total"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrBadRequest, errors.Join(errs...))
	}
	return nil
}
