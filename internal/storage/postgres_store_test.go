package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set")
	}
	if err := Migrate(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStoreClaimRace(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	if err := store.CreateRide(ctx, newRide(id, models.Coord{Lat: 9.52, Lng: -13.71}, time.Now())); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	wins := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			<-start
			ok, err := store.ClaimRide(ctx, id, driver, time.Now())
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins <- driver
			}
		}(fmt.Sprintf("pg-driver-%d", i))
	}
	close(start)
	wg.Wait()
	close(errs)
	close(wins)
	for err := range errs {
		t.Fatalf("claim error: %v", err)
	}
	if n := len(wins); n != 1 {
		t.Fatalf("expected one winner, got %d", n)
	}
	winner := <-wins
	r, err := store.GetRide(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !r.AssignedTo(winner) || r.Status != models.StatusAccepted {
		t.Fatalf("unexpected ride %+v", r)
	}
}

func TestPostgresStoreDeclineAndStatus(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	_ = store.CreateRide(ctx, newRide(id, models.Coord{Lat: 9.52, Lng: -13.71}, time.Now()))

	for i := 0; i < 2; i++ {
		if err := store.AppendDeclined(ctx, id, "pg-d1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.AppendDeclined(ctx, uuid.NewString(), "pg-d1"); !errors.Is(err, models.ErrRideNotFound) {
		t.Fatalf("expected ErrRideNotFound, got %v", err)
	}
	ok, err := store.UpdateStatus(ctx, StatusChange{RideID: id, From: models.StatusRequested, To: models.StatusCancelled, At: time.Now(), Reason: "rider"})
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	r, _ := store.GetRide(ctx, id)
	if len(r.DeclinedDrivers) != 1 || r.Status != models.StatusCancelled || r.CancelReason != "rider" {
		t.Fatalf("unexpected ride %+v", r)
	}
}
