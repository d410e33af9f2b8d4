package matcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Index interface {
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]geo.Nearby, error)
}

type Pusher interface {
	Notify(ctx context.Context, driverID string, n models.RideNotification) error
}

// Ranked is a driver scored for a ride; lower cost is better.
type Ranked struct {
	DriverID   string
	DistanceKm float64
	ETASec     float64
	Cost       float64
}

// Service pushes awareness notifications for new requests to the best
// placed online drivers. It never assigns a ride.
type Service struct {
	Index    Index
	Push     Pusher
	Planner  *eta.Planner
	RadiusKm float64
	TopN     int
	Logger   *slog.Logger

	// Workers bounds concurrent fan-outs in Run; Backlog is how many rides
	// may wait for a worker before new ones are skipped.
	Workers int
	Backlog int
}

// Rank scores nearby drivers by ETA to the pickup plus a penalty for rating.
func (s *Service) Rank(ctx context.Context, ride *models.Ride) ([]Ranked, error) {
	if s.TopN <= 0 {
		s.TopN = 5
	}
	// over-fetch: some candidates drop out (declined) before ranking
	cands, err := s.Index.Nearby(ctx, ride.Pickup, s.RadiusKm, s.TopN*2)
	if err != nil {
		return nil, err
	}
	out := make([]Ranked, 0, len(cands))
	for _, d := range cands {
		if ride.DeclinedBy(d.ID) {
			continue
		}
		route, _ := s.Planner.Estimate(ctx, d.Loc, ride.Pickup)
		etaSec := route.DurationMin * 60
		cost := etaSec + 30.0*(5.0-d.Rating) // cost = w1*eta + w2*(5 - rating)
		out = append(out, Ranked{DriverID: d.ID, DistanceKm: d.DistanceKm, ETASec: etaSec, Cost: cost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	if len(out) > s.TopN {
		out = out[:s.TopN]
	}
	return out, nil
}

// Fanout notifies the top ranked drivers and returns how many were reached.
func (s *Service) Fanout(ctx context.Context, ride *models.Ride) int {
	ranked, err := s.Rank(ctx, ride)
	if err != nil {
		s.Logger.Warn("rank drivers failed", "ride_id", ride.ID, "error", err)
		return 0
	}
	sent := 0
	for _, r := range ranked {
		n := models.RideNotification{RideID: ride.ID, DistanceKm: r.DistanceKm, WithinNotifyRadius: true, Ride: *ride}
		if err := s.Push.Notify(ctx, r.DriverID, n); err != nil {
			s.Logger.Warn("push notification failed", "ride_id", ride.ID, "driver_id", r.DriverID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Run fans out every newly created ride seen on src until ctx ends. Fan-outs
// run on a worker pool so a slow push never stalls the subscription.
func (s *Service) Run(ctx context.Context, src feed.Source) {
	workers, backlog := s.Workers, s.Backlog
	if workers <= 0 {
		workers = 4
	}
	if backlog <= 0 {
		backlog = 64
	}
	jobs := make(chan models.Ride, backlog)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				s.Fanout(ctx, &r)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		events, errs, err := src.Subscribe(ctx)
		if err == nil {
			for ev := range events {
				if ev.Kind != models.EventCreated || !ev.Ride.Open() {
					continue
				}
				select {
				case jobs <- ev.Ride:
				default:
					s.Logger.Warn("matcher backlog full, skipping fanout", "ride_id", ev.Ride.ID)
				}
			}
			err = <-errs
		}
		if ctx.Err() != nil {
			return
		}
		s.Logger.Warn("matcher feed interrupted", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
