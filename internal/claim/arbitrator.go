package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Store interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	AppendDeclined(ctx context.Context, rideID, driverID string) error
	AppendEvent(ctx context.Context, e models.AuditEvent) error
}

// Arbitrator resolves concurrent accepts so that at most one driver is ever
// bound to a ride.
type Arbitrator struct {
	store     Store
	publisher feed.Publisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

func NewArbitrator(store Store, publisher feed.Publisher, logger *slog.Logger, timeout time.Duration) *Arbitrator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Arbitrator{store: store, publisher: publisher, logger: logger, timeout: timeout, now: time.Now}
}

// Accept binds driverID to the ride with a single conditional write. A write
// that times out is never retried: the ride is re-read and the outcome
// classified from what the store holds.
func (a *Arbitrator) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	start := time.Now()
	defer func() { observability.ClaimLatency.Observe(time.Since(start).Seconds()) }()

	at := a.now()
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	won, err := a.store.ClaimRide(cctx, rideID, driverID, at)
	cancel()

	if err != nil {
		a.logger.Warn("claim write failed; reconciling", "ride_id", rideID, "driver_id", driverID, "error", err)
		ride, rerr := a.reread(ctx, rideID)
		if rerr != nil {
			if errors.Is(rerr, models.ErrRideNotFound) {
				return nil, a.outcome(rerr)
			}
			observability.ClaimsTotal.WithLabelValues("unknown").Inc()
			return nil, fmt.Errorf("%w: %w", models.ErrClaimUnknown, errors.Join(err, rerr))
		}
		if ride.AssignedTo(driverID) && claimedAt(ride, at) {
			a.committed(ctx, ride, driverID)
		}
		return a.classify(ride, driverID)
	}

	ride, rerr := a.reread(ctx, rideID)
	if rerr != nil {
		if won {
			// the claim is durable; only the read back failed
			observability.ClaimsTotal.WithLabelValues("won").Inc()
			return nil, fmt.Errorf("read back claimed ride %s: %w", rideID, rerr)
		}
		return nil, a.outcome(rerr)
	}
	if won {
		a.committed(ctx, ride, driverID)
	}
	return a.classify(ride, driverID)
}

// claimedAt reports whether the ride's acceptance was written by the claim
// issued at at. Postgres keeps microseconds, so the match allows for rounding.
func claimedAt(ride *models.Ride, at time.Time) bool {
	if ride.AcceptedAt == nil {
		return false
	}
	d := ride.AcceptedAt.Sub(at)
	return d > -time.Microsecond && d < time.Microsecond
}

func (a *Arbitrator) classify(ride *models.Ride, driverID string) (*models.Ride, error) {
	switch {
	case ride.AssignedTo(driverID) && ride.Status == models.StatusAccepted:
		observability.ClaimsTotal.WithLabelValues("won").Inc()
		return ride, nil
	case ride.AssignedTo(driverID):
		return nil, a.outcome(fmt.Errorf("%w: ride %s is already %s", models.ErrInvalidTransition, ride.ID, ride.Status))
	case ride.AssignedDriver != nil:
		return nil, a.outcome(models.ErrAlreadyAssigned)
	case ride.Status == models.StatusRequested:
		// open but the write missed: a lease was held at write time
		return nil, a.outcome(models.ErrLocked)
	default:
		return nil, a.outcome(fmt.Errorf("%w: ride %s is %s", models.ErrInvalidTransition, ride.ID, ride.Status))
	}
}

func (a *Arbitrator) outcome(err error) error {
	label := "error"
	switch {
	case errors.Is(err, models.ErrAlreadyAssigned):
		label = "already_assigned"
	case errors.Is(err, models.ErrLocked):
		label = "locked"
	case errors.Is(err, models.ErrInvalidTransition):
		label = "invalid"
	case errors.Is(err, models.ErrRideNotFound):
		label = "not_found"
	}
	observability.ClaimsTotal.WithLabelValues(label).Inc()
	return err
}

// reread uses a fresh deadline so a caller whose context already expired can
// still learn the outcome.
func (a *Arbitrator) reread(ctx context.Context, rideID string) (*models.Ride, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	return a.store.GetRide(rctx, rideID)
}

func (a *Arbitrator) committed(ctx context.Context, ride *models.Ride, driverID string) {
	ctx = context.WithoutCancel(ctx)
	a.logger.Info("ride claimed", "ride_id", ride.ID, "driver_id", driverID)
	a.audit(ctx, models.AuditEvent{
		RideID:     ride.ID,
		FromStatus: models.StatusRequested,
		ToStatus:   models.StatusAccepted,
		ActorType:  "driver",
		ActorID:    driverID,
	})
	a.publish(ctx, ride)
}

// Decline records that driverID will not take the ride. The ride's status is
// untouched and repeated declines are no-ops.
func (a *Arbitrator) Decline(ctx context.Context, rideID, driverID string) error {
	if err := a.store.AppendDeclined(ctx, rideID, driverID); err != nil {
		return err
	}
	observability.DeclinesTotal.Inc()
	ride, err := a.store.GetRide(ctx, rideID)
	if err != nil {
		a.logger.Warn("read back declined ride failed", "ride_id", rideID, "error", err)
		return nil
	}
	a.audit(ctx, models.AuditEvent{
		RideID:     rideID,
		FromStatus: ride.Status,
		ToStatus:   ride.Status,
		ActorType:  "driver",
		ActorID:    driverID,
		Detail:     "declined",
	})
	a.publish(ctx, ride)
	return nil
}

func (a *Arbitrator) audit(ctx context.Context, e models.AuditEvent) {
	e.ID = uuid.NewString()
	e.CreatedAt = a.now()
	if err := a.store.AppendEvent(ctx, e); err != nil {
		a.logger.Error("append ride event failed", "ride_id", e.RideID, "error", err)
	}
}

func (a *Arbitrator) publish(ctx context.Context, ride *models.Ride) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, feed.NewEvent(models.EventUpdated, ride)); err != nil {
		a.logger.Warn("publish ride event failed", "ride_id", ride.ID, "error", err)
	}
}
