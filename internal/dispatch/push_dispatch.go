package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// PushDispatcher delivers awareness notifications to drivers whose app has no
// live socket. With no Endpoint configured it only logs.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
	Logger   *slog.Logger
}

func NewPushDispatcher(endpoint, key string, ws *WSRegistry, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
		Logger:   logger,
	}
}

func (p *PushDispatcher) Notify(ctx context.Context, driverID string, n models.RideNotification) error {
	// a connected driver already got the notification from their session
	if p.WS != nil && p.WS.Connected(driverID) {
		observability.PushTotal.WithLabelValues("socket").Inc()
		return nil
	}
	if p.Endpoint == "" {
		p.Logger.Info("push notification", "driver_id", driverID, "ride_id", n.RideID, "distance_km", n.DistanceKm)
		observability.PushTotal.WithLabelValues("logged").Inc()
		return nil
	}

	body := map[string]any{
		"message": map[string]any{
			"topic": "driver-" + driverID,
			"data": map[string]string{
				"type":        TypeRideNotification,
				"ride_id":     n.RideID,
				"distance_km": strconv.FormatFloat(n.DistanceKm, 'f', 2, 64),
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		observability.PushTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("push to %s: %w", driverID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		observability.PushTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("push to %s: status %d", driverID, resp.StatusCode)
	}
	observability.PushTotal.WithLabelValues("sent").Inc()
	return nil
}
