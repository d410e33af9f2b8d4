package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Position is a single location fix. Accuracy is the radius in meters;
// zero means unknown.
type Position struct {
	Coord
	Accuracy  float64   `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

type Driver struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Online        bool       `json:"online"`
	LastPosition  *Position  `json:"last_position,omitempty"`
	Rating        float64    `json:"rating"` // 0..5
	TotalRides    int        `json:"total_rides"`
	TotalEarnings float64    `json:"total_earnings"`
	OnlineSince   *time.Time `json:"online_since,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// PositionSample is an append-only telemetry point. RideID is set while the
// driver is on an active leg (trip trace).
type PositionSample struct {
	ID       string   `json:"id"`
	DriverID string   `json:"driver_id"`
	RideID   *string  `json:"ride_id,omitempty"`
	Position Position `json:"position"`
}

type Window string

const (
	WindowToday    Window = "today"
	WindowLifetime Window = "lifetime"
)

func ParseWindow(s string) (Window, bool) {
	switch Window(s) {
	case WindowToday, WindowLifetime:
		return Window(s), true
	case "":
		return WindowToday, true
	}
	return "", false
}

// DriverStats is a derived projection; it is always reconstructable from
// completed rides and position samples.
type DriverStats struct {
	DriverID       string        `json:"driver_id"`
	Window         Window        `json:"window"`
	Earnings       float64       `json:"earnings"`
	Rides          int           `json:"rides"`
	AverageRating  float64       `json:"average_rating"`
	OnlineDuration time.Duration `json:"online_duration"`
	ComputedAt     time.Time     `json:"computed_at"`
}

// LegEstimate is the route/ETA toward the current leg's target.
type LegEstimate struct {
	RideID      string   `json:"ride_id"`
	DriverID    string   `json:"driver_id"`
	Target      Coord    `json:"target"`
	DistanceKm  float64  `json:"distance_km"`
	DurationMin float64  `json:"duration_min"`
	Steps       []string `json:"steps,omitempty"`
	Source      string   `json:"source"` // routing | fallback
}
