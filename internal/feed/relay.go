package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// Relay forwards an external change stream into the in-process broker.
// Whenever the upstream drops, local subscribers are disconnected so they
// resynchronise from a snapshot once the stream is back.
type Relay struct {
	Source     Source
	Broker     *Broker
	Logger     *slog.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (r *Relay) Run(ctx context.Context) {
	backoff := r.MinBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	for {
		events, errs, err := r.Source.Subscribe(ctx)
		if err == nil {
			backoff = r.MinBackoff
			if backoff <= 0 {
				backoff = time.Second
			}
			for ev := range events {
				_ = r.Broker.Publish(ctx, ev)
			}
			err = <-errs
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		observability.FeedDisconnects.Inc()
		r.Logger.Warn("ride feed upstream disconnected", "error", err, "retry_in", backoff)
		r.Broker.Disconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

var (
	_ Source    = (*Broker)(nil)
	_ Publisher = (*Broker)(nil)
	_ Source    = (*KafkaSource)(nil)
	_ Source    = (*PGSource)(nil)
)
