package models

import "time"

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
)

// RideEvent is one change-feed message. Delivery is at-least-once and may be
// out of order; consumers order by Ride.Version.
type RideEvent struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	Ride       Ride      `json:"ride"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RideNotification is the awareness signal (sound/toast) raised for every
// newly created request, independent of the candidate queue.
type RideNotification struct {
	RideID             string  `json:"ride_id"`
	DistanceKm         float64 `json:"distance_km"`
	WithinNotifyRadius bool    `json:"within_notify_radius"`
	Ride               Ride    `json:"ride"`
}

// AuditEvent is one row of the ride state history.
type AuditEvent struct {
	ID         string    `json:"id"`
	RideID     string    `json:"ride_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	ActorID    string    `json:"actor_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
