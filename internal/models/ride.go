package models

import "time"

type Status string

const (
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusArriving   Status = "arriving"
	StatusPickedUp   Status = "picked_up"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var AllStatuses = []Status{
	StatusRequested, StatusAccepted, StatusArriving, StatusPickedUp,
	StatusInProgress, StatusCompleted, StatusCancelled,
}

// AllowedTransitions is the ride lifecycle graph. Every non-terminal state
// may also be cancelled.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusArriving, StatusCancelled},
	StatusArriving:   {StatusPickedUp, StatusCancelled},
	StatusPickedUp:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// ActiveStatuses are the states in which a ride is bound to a driver and
// not yet finished.
var ActiveStatuses = []Status{StatusAccepted, StatusArriving, StatusPickedUp, StatusInProgress}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// OnTrip reports whether samples taken in this state belong to the trip trace.
func (s Status) OnTrip() bool {
	return s == StatusPickedUp || s == StatusInProgress
}

func (s Status) Active() bool {
	for _, v := range ActiveStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type Ride struct {
	ID              string     `json:"id"`
	Code            string     `json:"code,omitempty"`
	CustomerID      string     `json:"customer_id"`
	Pickup          Coord      `json:"pickup"`
	PickupAddress   string     `json:"pickup_address,omitempty"`
	Dropoff         Coord      `json:"dropoff"`
	DropoffAddress  string     `json:"dropoff_address,omitempty"`
	Status          Status     `json:"status"`
	AssignedDriver  *string    `json:"assigned_driver,omitempty"`
	DeclinedDrivers []string   `json:"declined_drivers"`
	FareTotal       float64    `json:"fare_total"`
	DriverShare     float64    `json:"driver_share"`
	Rating          *float64   `json:"rating,omitempty"`
	Version         int        `json:"version"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	ArrivingAt      *time.Time `json:"arriving_at,omitempty"`
	PickedUpAt      *time.Time `json:"picked_up_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
}

func (r *Ride) AssignedTo(driverID string) bool {
	return r.AssignedDriver != nil && *r.AssignedDriver == driverID
}

func (r *Ride) DeclinedBy(driverID string) bool {
	for _, d := range r.DeclinedDrivers {
		if d == driverID {
			return true
		}
	}
	return false
}

// Open reports whether the ride can still be claimed.
func (r *Ride) Open() bool {
	return r.Status == StatusRequested && r.AssignedDriver == nil
}

// LeaseHeld reports whether a short-lived write lease is active at now.
func (r *Ride) LeaseHeld(now time.Time) bool {
	return r.LockedUntil != nil && r.LockedUntil.After(now)
}

// LegTarget is where the driver is heading in the current state: the pickup
// until the customer is aboard, the dropoff afterwards.
func (r *Ride) LegTarget() (Coord, bool) {
	switch r.Status {
	case StatusAccepted, StatusArriving:
		return r.Pickup, true
	case StatusPickedUp, StatusInProgress:
		return r.Dropoff, true
	}
	return Coord{}, false
}

// TimestampFor returns the ride's timestamp field recorded when entering s.
func (r *Ride) TimestampFor(s Status) *time.Time {
	switch s {
	case StatusRequested:
		return &r.CreatedAt
	case StatusAccepted:
		return r.AcceptedAt
	case StatusArriving:
		return r.ArrivingAt
	case StatusPickedUp:
		return r.PickedUpAt
	case StatusInProgress:
		return r.StartedAt
	case StatusCompleted:
		return r.CompletedAt
	case StatusCancelled:
		return r.CancelledAt
	}
	return nil
}

// SetTimestamp records at as the entry time of s.
func (r *Ride) SetTimestamp(s Status, at time.Time) {
	t := at
	switch s {
	case StatusAccepted:
		r.AcceptedAt = &t
	case StatusArriving:
		r.ArrivingAt = &t
	case StatusPickedUp:
		r.PickedUpAt = &t
	case StatusInProgress:
		r.StartedAt = &t
	case StatusCompleted:
		r.CompletedAt = &t
	case StatusCancelled:
		r.CancelledAt = &t
	}
}

// Clone returns a deep copy safe to hand out of a store.
func (r *Ride) Clone() *Ride {
	c := *r
	if r.AssignedDriver != nil {
		d := *r.AssignedDriver
		c.AssignedDriver = &d
	}
	c.DeclinedDrivers = append([]string(nil), r.DeclinedDrivers...)
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	c.LockedUntil = copyTime(r.LockedUntil)
	c.AcceptedAt = copyTime(r.AcceptedAt)
	c.ArrivingAt = copyTime(r.ArrivingAt)
	c.PickedUpAt = copyTime(r.PickedUpAt)
	c.StartedAt = copyTime(r.StartedAt)
	c.CompletedAt = copyTime(r.CompletedAt)
	c.CancelledAt = copyTime(r.CancelledAt)
	return &c
}

type RideRequest struct {
	CustomerID     string  `json:"customer_id"`
	Pickup         Coord   `json:"pickup"`
	PickupAddress  string  `json:"pickup_address"`
	Dropoff        Coord   `json:"dropoff"`
	DropoffAddress string  `json:"dropoff_address"`
	FareTotal      float64 `json:"fare_total"`
	DriverShare    float64 `json:"driver_share"`
}
