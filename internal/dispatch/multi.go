package dispatch

import (
	"github.com/example/ride-dispatch/internal/feed"
	"github.com/example/ride-dispatch/internal/models"
)

// Multi forwards every event to each target that handles it. Targets may
// implement any subset of the observer interfaces.
type Multi []any

func (m Multi) OnCandidateRide(driverID string, c feed.Candidate) {
	for _, t := range m {
		if o, ok := t.(interface{ OnCandidateRide(string, feed.Candidate) }); ok {
			o.OnCandidateRide(driverID, c)
		}
	}
}

func (m Multi) OnCandidateRemoved(driverID, rideID string) {
	for _, t := range m {
		if o, ok := t.(interface{ OnCandidateRemoved(string, string) }); ok {
			o.OnCandidateRemoved(driverID, rideID)
		}
	}
}

func (m Multi) OnRideNotification(driverID string, n models.RideNotification) {
	for _, t := range m {
		if o, ok := t.(interface {
			OnRideNotification(string, models.RideNotification)
		}); ok {
			o.OnRideNotification(driverID, n)
		}
	}
}

func (m Multi) OnFeedError(driverID string, err error) {
	for _, t := range m {
		if o, ok := t.(interface{ OnFeedError(string, error) }); ok {
			o.OnFeedError(driverID, err)
		}
	}
}

func (m Multi) OnPositionSample(driverID string, s models.PositionSample) {
	for _, t := range m {
		if o, ok := t.(interface {
			OnPositionSample(string, models.PositionSample)
		}); ok {
			o.OnPositionSample(driverID, s)
		}
	}
}

func (m Multi) OnWarning(driverID, code, message string) {
	for _, t := range m {
		if o, ok := t.(interface{ OnWarning(string, string, string) }); ok {
			o.OnWarning(driverID, code, message)
		}
	}
}

func (m Multi) OnRideStateChanged(ride *models.Ride, from models.Status) {
	for _, t := range m {
		if o, ok := t.(interface {
			OnRideStateChanged(*models.Ride, models.Status)
		}); ok {
			o.OnRideStateChanged(ride, from)
		}
	}
}

func (m Multi) OnLegEstimate(driverID string, leg models.LegEstimate) {
	for _, t := range m {
		if o, ok := t.(interface {
			OnLegEstimate(string, models.LegEstimate)
		}); ok {
			o.OnLegEstimate(driverID, leg)
		}
	}
}

func (m Multi) OnStatsUpdated(driverID string, s models.DriverStats) {
	for _, t := range m {
		if o, ok := t.(interface {
			OnStatsUpdated(string, models.DriverStats)
		}); ok {
			o.OnStatsUpdated(driverID, s)
		}
	}
}
