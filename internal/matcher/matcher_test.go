package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type recordingPush struct {
	mu   sync.Mutex
	sent []string
}

func (p *recordingPush) Notify(_ context.Context, driverID string, _ models.RideNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, driverID)
	return nil
}

func newIndex(t *testing.T, points ...geo.DriverPoint) *geo.MemIndex {
	t.Helper()
	idx := geo.NewMemIndex()
	for _, p := range points {
		if err := idx.Upsert(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	return idx
}

func TestChooseHigherRatingIfETAEqual(t *testing.T) {
	loc := models.Coord{Lat: 9.5, Lng: -13.7}
	idx := newIndex(t,
		geo.DriverPoint{ID: "A", Loc: loc, Rating: 4.0},
		geo.DriverPoint{ID: "B", Loc: loc, Rating: 5.0},
	)
	s := &Service{Index: idx, Push: &recordingPush{}, Planner: eta.NewPlanner(nil, nil, 25), RadiusKm: 10, TopN: 2, Logger: logging.Discard()}
	ranked, err := s.Rank(context.Background(), &models.Ride{ID: "r1", Pickup: loc})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 2 || ranked[0].DriverID != "B" {
		t.Fatalf("expected B first, got %+v", ranked)
	}
}

func TestFanoutSkipsDeclinedAndFarDrivers(t *testing.T) {
	pickup := models.Coord{Lat: 9.52, Lng: -13.71}
	idx := newIndex(t,
		geo.DriverPoint{ID: "near", Loc: models.Coord{Lat: 9.50, Lng: -13.70}, Rating: 4.5},
		geo.DriverPoint{ID: "declined", Loc: models.Coord{Lat: 9.51, Lng: -13.70}, Rating: 5},
		geo.DriverPoint{ID: "far", Loc: models.Coord{Lat: 9.65, Lng: -13.90}, Rating: 5},
	)
	push := &recordingPush{}
	s := &Service{Index: idx, Push: push, Planner: eta.NewPlanner(nil, nil, 25), RadiusKm: 10, TopN: 5, Logger: logging.Discard()}
	ride := &models.Ride{ID: "r1", Pickup: pickup, Status: models.StatusRequested, DeclinedDrivers: []string{"declined"}}

	if n := s.Fanout(context.Background(), ride); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
	if push.sent[0] != "near" {
		t.Fatalf("unexpected recipient %v", push.sent)
	}
}

type gatedPush struct {
	gate chan struct{}
	recordingPush
}

func (p *gatedPush) Notify(ctx context.Context, driverID string, n models.RideNotification) error {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.recordingPush.Notify(ctx, driverID, n)
}

func (p *gatedPush) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestRunKeepsConsumingWhilePushIsSlow(t *testing.T) {
	loc := models.Coord{Lat: 9.5, Lng: -13.7}
	push := &gatedPush{gate: make(chan struct{})}
	s := &Service{Index: newIndex(t, geo.DriverPoint{ID: "A", Loc: loc, Rating: 5}), Push: push,
		Planner: eta.NewPlanner(nil, nil, 25), RadiusKm: 10, TopN: 1, Logger: logging.Discard(), Workers: 1, Backlog: 8}
	broker := feed.NewBroker(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, broker)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	for deadline := time.Now().Add(2 * time.Second); broker.Subscribers() == 0; {
		if time.Now().After(deadline) {
			t.Fatalf("matcher never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		r := models.Ride{ID: fmt.Sprintf("r%d", i), Pickup: loc, Status: models.StatusRequested}
		_ = broker.Publish(ctx, feed.NewEvent(models.EventCreated, &r))
		time.Sleep(5 * time.Millisecond)
	}
	if n := broker.Subscribers(); n != 1 {
		t.Fatalf("subscription dropped while a push was blocked (subscribers=%d)", n)
	}

	close(push.gate)
	for deadline := time.Now().Add(2 * time.Second); push.count() < 5; {
		if time.Now().After(deadline) {
			t.Fatalf("expected 5 notifications, got %d", push.count())
		}
		time.Sleep(time.Millisecond)
	}
}
