package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer publishes position samples and ride change events. Samples
// are keyed by driver and events by ride so each stays ordered per key.
type KafkaProducer struct {
	writer       *kafka.Writer
	samplesTopic string
	ridesTopic   string
	timeout      time.Duration
}

func NewKafkaProducer(brokers []string, samplesTopic, ridesTopic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne}
	return &KafkaProducer{writer: w, samplesTopic: samplesTopic, ridesTopic: ridesTopic, timeout: 2 * time.Second}
}

// AppendSample implements the tracker's sample sink.
func (k *KafkaProducer) AppendSample(ctx context.Context, s models.PositionSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTelemetryWriteFailed, err)
	}
	if err := k.write(ctx, kafka.Message{Topic: k.samplesTopic, Key: []byte(s.DriverID), Value: b}); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTelemetryWriteFailed, err)
	}
	return nil
}

// Publish implements the ride change feed publisher.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Topic: k.ridesTopic, Key: []byte(ev.Ride.ID), Value: b})
}

func (k *KafkaProducer) write(ctx context.Context, m kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, m)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
