package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaSource reads ride change events from a Kafka topic. Each server
// instance should use its own group so every instance sees every event.
type KafkaSource struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *slog.Logger
}

func (k *KafkaSource) Subscribe(ctx context.Context) (<-chan models.RideEvent, <-chan error, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.Brokers,
		Topic:       k.Topic,
		GroupID:     k.GroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	events := make(chan models.RideEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(events)
		defer r.Close()
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			var ev models.RideEvent
			if err := json.Unmarshal(m.Value, &ev); err != nil {
				k.Logger.Warn("invalid ride event", "offset", m.Offset, "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, errs, nil
}
