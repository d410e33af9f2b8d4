package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeWriter implements SampleWriter for tests
type fakeWriter struct {
	failAppend  int // number of times to fail AppendSample before succeeding
	failUpdate  int // number of times to fail UpdatePosition before succeeding
	updateErr   error
	appendCalls int
	updateCalls int
}

func (f *fakeWriter) AppendSample(context.Context, models.PositionSample) error {
	f.appendCalls++
	if f.appendCalls <= f.failAppend {
		return errors.New("append fail")
	}
	return nil
}

func (f *fakeWriter) UpdatePosition(context.Context, string, models.Position) error {
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.updateCalls <= f.failUpdate {
		return errors.New("update fail")
	}
	return nil
}

func sample() *models.PositionSample {
	return &models.PositionSample{
		ID:       "s1",
		DriverID: "d1",
		Position: models.Position{Coord: models.Coord{Lat: 1, Lng: 2}, Timestamp: time.Now()},
	}
}

func TestPersistWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{failAppend: 1, failUpdate: 1}
	start := time.Now()
	if err := persistWithRetry(context.Background(), f, sample(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.appendCalls != 2 || f.updateCalls != 2 {
		t.Fatalf("expected retries, got append=%d update=%d", f.appendCalls, f.updateCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestPersistWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{failAppend: 5}
	if err := persistWithRetry(context.Background(), f, sample(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.updateCalls != 0 {
		t.Fatalf("position must not be updated when the sample was not stored")
	}
}

func TestPersistWithRetry_UnknownDriverNotRetried(t *testing.T) {
	f := &fakeWriter{updateErr: models.ErrDriverNotFound}
	err := persistWithRetry(context.Background(), f, sample(), 3, 5*time.Millisecond)
	if !errors.Is(err, models.ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
	if f.updateCalls != 1 || f.appendCalls != 1 {
		t.Fatalf("unexpected calls append=%d update=%d", f.appendCalls, f.updateCalls)
	}
}
