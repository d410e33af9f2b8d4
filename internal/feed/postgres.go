package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// NotifyChannel is the Postgres channel the rides trigger notifies on.
const NotifyChannel = "ride_requests"

type RideReader interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
}

// PGSource turns LISTEN/NOTIFY on the rides table into ride events. The
// payload only names the ride; the current row is re-read from the store.
type PGSource struct {
	DSN    string
	Rides  RideReader
	Logger *slog.Logger
}

type notifyPayload struct {
	ID      string           `json:"id"`
	Kind    models.EventKind `json:"kind"`
	Version int              `json:"version"`
}

func (p *PGSource) Subscribe(ctx context.Context) (<-chan models.RideEvent, <-chan error, error) {
	l := pq.NewListener(p.DSN, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.Logger.Warn("ride listener event", "event", ev, "error", err)
		}
	})
	if err := l.Listen(NotifyChannel); err != nil {
		l.Close()
		return nil, nil, err
	}

	events := make(chan models.RideEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(events)
		defer l.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-l.Notify:
				if !ok {
					errs <- errors.New("listener closed")
					return
				}
				// nil after a reconnect: notifications may have been lost
				if n == nil {
					errs <- models.ErrFeedDisconnected
					return
				}
				ev, err := p.event(ctx, n.Extra)
				if err != nil {
					p.Logger.Warn("ride notification dropped", "payload", n.Extra, "error", err)
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, errs, nil
}

func (p *PGSource) event(ctx context.Context, payload string) (models.RideEvent, error) {
	var np notifyPayload
	if err := json.Unmarshal([]byte(payload), &np); err != nil {
		return models.RideEvent{}, err
	}
	ride, err := p.Rides.GetRide(ctx, np.ID)
	if err != nil {
		return models.RideEvent{}, err
	}
	kind := np.Kind
	// the row moved on since the notification; it is no longer the creation
	if kind == models.EventCreated && ride.Version != np.Version {
		kind = models.EventUpdated
	}
	return NewEvent(kind, ride), nil
}
