package location

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// FixBuffer holds the latest raw fix each driver app pushed. Readers block
// until a fix newer than the one they last took arrives.
type FixBuffer struct {
	mu      sync.Mutex
	drivers map[string]*fixState
}

type fixState struct {
	latest  models.Position
	has     bool
	taken   time.Time
	changed chan struct{}
}

func NewFixBuffer() *FixBuffer {
	return &FixBuffer{drivers: make(map[string]*fixState)}
}

func (b *FixBuffer) state(driverID string) *fixState {
	st, ok := b.drivers[driverID]
	if !ok {
		st = &fixState{changed: make(chan struct{})}
		b.drivers[driverID] = st
	}
	return st
}

// Push records a fix. Fixes older than the latest one are dropped.
func (b *FixBuffer) Push(driverID string, p models.Position) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(driverID)
	if st.has && p.Timestamp.Before(st.latest.Timestamp) {
		return
	}
	st.latest = p
	st.has = true
	close(st.changed)
	st.changed = make(chan struct{})
}

func (b *FixBuffer) Latest(driverID string) (models.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.drivers[driverID]
	if !ok || !st.has {
		return models.Position{}, false
	}
	return st.latest, true
}

// Next waits for a fix that was not handed out before, is at most maxAge old
// (0 disables the check) and passes accept.
func (b *FixBuffer) Next(ctx context.Context, driverID string, maxAge time.Duration, accept func(models.Position) bool) (models.Position, error) {
	for {
		b.mu.Lock()
		st := b.state(driverID)
		if st.has && st.latest.Timestamp.After(st.taken) &&
			(maxAge <= 0 || time.Since(st.latest.Timestamp) <= maxAge) &&
			(accept == nil || accept(st.latest)) {
			st.taken = st.latest.Timestamp
			p := st.latest
			b.mu.Unlock()
			return p, nil
		}
		ch := st.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.Position{}, ctx.Err()
		case <-ch:
		}
	}
}

func (b *FixBuffer) Forget(driverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.drivers, driverID)
}

// DeviceProvider reads fixes the driver app reports. MaxAccuracyM of zero
// accepts any accuracy.
type DeviceProvider struct {
	Fixes        *FixBuffer
	MaxAccuracyM float64
	MaxAge       time.Duration
}

func (d *DeviceProvider) Locate(ctx context.Context, driverID string) (models.Position, error) {
	return d.Fixes.Next(ctx, driverID, d.MaxAge, func(p models.Position) bool {
		return d.MaxAccuracyM <= 0 || (p.Accuracy > 0 && p.Accuracy <= d.MaxAccuracyM)
	})
}
