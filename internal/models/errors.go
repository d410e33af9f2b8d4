package models

import "errors"

var (
	// ErrLocationUnavailable means every position-acquisition tier failed.
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrLocked means a concurrent write holds the ride's lease.
	ErrLocked = errors.New("ride locked by a concurrent write")

	// ErrAlreadyAssigned means another driver holds the ride.
	ErrAlreadyAssigned = errors.New("ride already assigned")

	ErrInvalidTransition    = errors.New("invalid ride state transition")
	ErrFeedDisconnected     = errors.New("ride feed disconnected")
	ErrTelemetryWriteFailed = errors.New("telemetry write failed")

	ErrRideNotFound   = errors.New("ride not found")
	ErrDriverNotFound = errors.New("driver not found")
	ErrDriverOffline  = errors.New("driver offline")
	ErrBadRequest     = errors.New("bad request")

	// ErrNotAssignedDriver means a driver acted on a ride bound to someone else.
	ErrNotAssignedDriver = errors.New("driver is not assigned to ride")

	// ErrClaimUnknown means a claim timed out and re-reading the ride failed too.
	ErrClaimUnknown = errors.New("claim outcome unknown")
)
