package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/claim"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type testEnv struct {
	mgr     *Manager
	store   *storage.MemoryStore
	index   *geo.MemIndex
	broker  *feed.Broker
	machine *ride.Machine
	tracker *location.Tracker
	located map[string]models.Coord
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   storage.NewMemoryStore(),
		index:   geo.NewMemIndex(),
		broker:  feed.NewBroker(64),
		located: map[string]models.Coord{},
	}
	locator := location.ProviderFunc(func(_ context.Context, id string) (models.Position, error) {
		c, ok := env.located[id]
		if !ok {
			return models.Position{}, models.ErrLocationUnavailable
		}
		return models.Position{Coord: c, Accuracy: 10, Timestamp: time.Now()}, nil
	})
	env.tracker = location.NewTracker(locator, env.store, env.index, env.store, nil, logging.Discard(), location.TrackerConfig{Interval: time.Hour})
	arb := claim.NewArbitrator(env.store, env.broker, logging.Discard(), time.Second)
	env.machine = &ride.Machine{Store: env.store, Claimer: arb, Publisher: env.broker, Tracer: env.tracker, Logger: logging.Discard()}
	env.mgr = &Manager{
		Store:    env.store,
		Locator:  locator,
		Tracker:  env.tracker,
		Rides:    env.machine,
		Decliner: arb,
		Index:    env.index,
		Source:   env.broker,
		Logger:   logging.Discard(),
		Feed:     feed.Config{CandidateRadiusKm: 5, NotifyRadiusKm: 10},
	}
	env.machine.Observer = dispatch.Multi{env.mgr}
	t.Cleanup(env.mgr.Close)
	return env
}

func (e *testEnv) request(t *testing.T, pickup models.Coord) *models.Ride {
	t.Helper()
	r, err := e.machine.Request(context.Background(), models.RideRequest{
		CustomerID: "c1", Pickup: pickup, Dropoff: models.Coord{Lat: 9.60, Lng: -13.60}, FareTotal: 50, DriverShare: 40,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func candidateIDs(t *testing.T, m *Manager, driverID string) []string {
	t.Helper()
	cands, err := m.Candidates(driverID)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.Ride.ID)
	}
	return ids
}

func TestGoOnlineWithoutLocationStaysOffline(t *testing.T) {
	env := newEnv(t)
	_, err := env.mgr.GoOnline(context.Background(), "d1")
	if !errors.Is(err, models.ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
	if _, ok := env.mgr.Get("d1"); ok {
		t.Fatalf("session opened without a position")
	}
	if _, err := env.store.GetDriver(context.Background(), "d1"); !errors.Is(err, models.ErrDriverNotFound) {
		t.Fatalf("driver persisted despite failure: %v", err)
	}
	if env.tracker.Running("d1") {
		t.Fatalf("tracking started without a position")
	}
}

func TestGoOnlineSnapshotAndLiveRequests(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	existing := env.request(t, models.Coord{Lat: 9.51, Lng: -13.70})

	env.located["d1"] = models.Coord{Lat: 9.50, Lng: -13.70}
	s, err := env.mgr.GoOnline(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := env.mgr.GoOnline(ctx, "d1")
	if again != s {
		t.Fatalf("going online twice opened a second session")
	}
	d, _ := env.store.GetDriver(ctx, "d1")
	if !d.Online || d.LastPosition == nil {
		t.Fatalf("driver not persisted online with position: %+v", d)
	}
	if env.index.Len() != 1 {
		t.Fatalf("driver not in visibility index")
	}
	waitFor(t, func() bool { ids := candidateIDs(t, env.mgr, "d1"); return len(ids) == 1 && ids[0] == existing.ID })

	near := env.request(t, models.Coord{Lat: 9.52, Lng: -13.71})
	env.request(t, models.Coord{Lat: 9.65, Lng: -13.90})
	waitFor(t, func() bool { return len(candidateIDs(t, env.mgr, "d1")) == 2 })
	if ids := candidateIDs(t, env.mgr, "d1"); ids[1] != near.ID {
		t.Fatalf("unexpected queue %v", ids)
	}
}

func TestAcceptRaceBetweenSessions(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.located["A"] = models.Coord{Lat: 9.50, Lng: -13.70}
	env.located["B"] = models.Coord{Lat: 9.51, Lng: -13.71}
	for _, id := range []string{"A", "B"} {
		if _, err := env.mgr.GoOnline(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	r := env.request(t, models.Coord{Lat: 9.52, Lng: -13.71})
	waitFor(t, func() bool {
		return len(candidateIDs(t, env.mgr, "A")) == 1 && len(candidateIDs(t, env.mgr, "B")) == 1
	})

	got, err := env.mgr.Accept(ctx, "A", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AssignedTo("A") {
		t.Fatalf("ride not assigned to A")
	}
	if _, err := env.mgr.Accept(ctx, "B", r.ID); !errors.Is(err, models.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned for B, got %v", err)
	}
	waitFor(t, func() bool { return len(candidateIDs(t, env.mgr, "B")) == 0 })
	sa, _ := env.mgr.Get("A")
	if id, ok := sa.ActiveRide(); !ok || id != r.ID {
		t.Fatalf("A has no active ride")
	}
}

func TestDeclinedRideNeverReturns(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.located["d1"] = models.Coord{Lat: 9.50, Lng: -13.70}
	_, _ = env.mgr.GoOnline(ctx, "d1")
	r := env.request(t, models.Coord{Lat: 9.51, Lng: -13.70})
	waitFor(t, func() bool { return len(candidateIDs(t, env.mgr, "d1")) == 1 })

	if err := env.mgr.Decline(ctx, "d1", r.ID); err != nil {
		t.Fatal(err)
	}
	// another driver declining bumps the version and republishes the ride
	if err := env.mgr.Decline(ctx, "d2", r.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if ids := candidateIDs(t, env.mgr, "d1"); len(ids) != 0 {
		t.Fatalf("declined ride came back: %v", ids)
	}
	stored, _ := env.store.GetRide(ctx, r.ID)
	if stored.Status != models.StatusRequested || !stored.DeclinedBy("d1") {
		t.Fatalf("unexpected stored ride %+v", stored)
	}
}

func TestGoOfflineIsIdempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.located["d1"] = models.Coord{Lat: 9.50, Lng: -13.70}
	_, _ = env.mgr.GoOnline(ctx, "d1")

	env.mgr.GoOffline(ctx, "d1")
	env.mgr.GoOffline(ctx, "d1")

	if _, err := env.mgr.Candidates("d1"); !errors.Is(err, models.ErrDriverOffline) {
		t.Fatalf("expected ErrDriverOffline, got %v", err)
	}
	d, _ := env.store.GetDriver(ctx, "d1")
	if d.Online || env.index.Len() != 0 || env.tracker.Running("d1") {
		t.Fatalf("driver still visible after going offline")
	}
	if env.broker.Subscribers() != 0 {
		t.Fatalf("feed subscription left open")
	}
}

func TestRestoreReloadsActiveTrip(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	_ = env.store.SetOnline(ctx, "d1", true, time.Now())
	_ = env.store.UpdatePosition(ctx, "d1", models.Position{Coord: models.Coord{Lat: 9.50, Lng: -13.70}, Timestamp: time.Now()})
	_ = env.store.SetOnline(ctx, "ghost", true, time.Now())

	r := env.request(t, models.Coord{Lat: 9.51, Lng: -13.70})
	_, _ = env.store.ClaimRide(ctx, r.ID, "d1", time.Now())
	for _, step := range [][2]models.Status{{models.StatusAccepted, models.StatusArriving}, {models.StatusArriving, models.StatusPickedUp}} {
		_, _ = env.store.UpdateStatus(ctx, storage.StatusChange{RideID: r.ID, From: step[0], To: step[1], At: time.Now()})
	}

	n, err := env.mgr.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one restored session, got %d", n)
	}
	s, ok := env.mgr.Get("d1")
	if !ok {
		t.Fatalf("d1 not restored")
	}
	if id, _ := s.ActiveRide(); id != r.ID {
		t.Fatalf("active ride not reloaded")
	}
	if tag, ok := env.tracker.TagOf("d1"); !ok || tag != r.ID {
		t.Fatalf("trip trace not re-tagged")
	}
	ghost, _ := env.store.GetDriver(ctx, "ghost")
	if ghost.Online {
		t.Fatalf("driver without position should be marked offline")
	}
}
