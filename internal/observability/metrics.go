package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "claims_total", Help: "Claim attempts by outcome"},
		[]string{"outcome"},
	)
	ClaimLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "claim_latency_seconds", Help: "Claim latency seconds"})
	DeclinesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "declines_total", Help: "Total number of declines"})
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted by intake"})
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Committed ride state transitions"},
		[]string{"to"},
	)

	CandidatesEnqueued = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "candidates_enqueued_total", Help: "Rides added to driver candidate queues"})
	NotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_notifications_total", Help: "Awareness notifications raised"})
	FeedDisconnects    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "feed_disconnects_total", Help: "Ride feed disconnects"})

	LocateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "locate_total", Help: "Location attempts by tier and outcome"},
		[]string{"tier", "outcome"},
	)
	SamplesTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "position_samples_total", Help: "Position samples recorded"})
	TelemetryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "telemetry_write_errors_total", Help: "Position samples that failed to persist"})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	PushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "push_total", Help: "Push notifications sent by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
