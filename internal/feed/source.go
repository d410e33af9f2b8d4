package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// Source is a ride change stream. The error channel yields at most one
// error and both channels close when the stream ends.
type Source interface {
	Subscribe(ctx context.Context) (<-chan models.RideEvent, <-chan error, error)
}

// Publisher emits ride change events.
type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// NewEvent wraps a snapshot of ride into a change event.
func NewEvent(kind models.EventKind, ride *models.Ride) models.RideEvent {
	return models.RideEvent{ID: uuid.NewString(), Kind: kind, Ride: *ride.Clone(), OccurredAt: time.Now()}
}

// Discard drops events; used when the store itself emits the change stream.
type Discard struct{}

func (Discard) Publish(context.Context, models.RideEvent) error { return nil }

// Broker is an in-process fan-out of ride events.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*brokerSub
	nextID int
	buffer int
}

type brokerSub struct {
	events chan models.RideEvent
	errs   chan error
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[int]*brokerSub), buffer: buffer}
}

func (b *Broker) Subscribe(ctx context.Context) (<-chan models.RideEvent, <-chan error, error) {
	sub := &brokerSub{events: make(chan models.RideEvent, b.buffer), errs: make(chan error, 1)}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.drop(id, nil)
	}()
	return sub.events, sub.errs, nil
}

// Publish never blocks; a subscriber that cannot keep up is disconnected
// with ErrFeedDisconnected and must resubscribe.
func (b *Broker) Publish(_ context.Context, ev models.RideEvent) error {
	b.mu.Lock()
	var slow []int
	for id, s := range b.subs {
		select {
		case s.events <- ev:
		default:
			slow = append(slow, id)
		}
	}
	b.mu.Unlock()
	for _, id := range slow {
		b.drop(id, models.ErrFeedDisconnected)
	}
	return nil
}

// Disconnect ends every open subscription with ErrFeedDisconnected.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.drop(id, models.ErrFeedDisconnected)
	}
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) drop(id int, err error) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		s.errs <- err
	}
	close(s.events)
	close(s.errs)
}
