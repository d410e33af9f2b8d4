package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Provider acquires one position fix for a driver.
type Provider interface {
	Locate(ctx context.Context, driverID string) (models.Position, error)
}

type ProviderFunc func(ctx context.Context, driverID string) (models.Position, error)

func (f ProviderFunc) Locate(ctx context.Context, driverID string) (models.Position, error) {
	return f(ctx, driverID)
}

// Tier is one acquisition strategy with its own time budget.
type Tier struct {
	Name     string
	Provider Provider
	Timeout  time.Duration
}

// TieredLocator tries each tier in order and returns the first fix.
type TieredLocator struct {
	tiers  []Tier
	logger *slog.Logger
}

func NewTieredLocator(logger *slog.Logger, tiers ...Tier) *TieredLocator {
	return &TieredLocator{tiers: tiers, logger: logger}
}

// Locate fails with ErrLocationUnavailable only when every tier failed.
func (l *TieredLocator) Locate(ctx context.Context, driverID string) (models.Position, error) {
	errs := make([]error, 0, len(l.tiers))
	for _, t := range l.tiers {
		pos, err := l.try(ctx, t, driverID)
		if err == nil {
			observability.LocateTotal.WithLabelValues(t.Name, "ok").Inc()
			if pos.Source == "" {
				pos.Source = t.Name
			}
			return pos, nil
		}
		observability.LocateTotal.WithLabelValues(t.Name, "failed").Inc()
		l.logger.Debug("location tier failed", "driver_id", driverID, "tier", t.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return models.Position{}, fmt.Errorf("%w: %w", models.ErrLocationUnavailable, errors.Join(errs...))
}

func (l *TieredLocator) try(ctx context.Context, t Tier, driverID string) (models.Position, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	pos, err := t.Provider.Locate(ctx, driverID)
	if err != nil {
		return models.Position{}, err
	}
	if pos.Timestamp.IsZero() {
		pos.Timestamp = time.Now()
	}
	return pos, nil
}

// TierConfig holds the budgets of the default tiers.
type TierConfig struct {
	HighTimeout     time.Duration
	HighAccuracyM   float64
	LowTimeout      time.Duration
	NetworkTimeout  time.Duration
	MaxFixAge       time.Duration
	NetworkEndpoint string
}

// DefaultTiers is high-accuracy device, then any device fix, then the network
// (IP) estimate.
func DefaultTiers(cfg TierConfig, fixes *FixBuffer, network Provider) []Tier {
	tiers := []Tier{
		{Name: "device_high", Timeout: cfg.HighTimeout, Provider: &DeviceProvider{Fixes: fixes, MaxAccuracyM: cfg.HighAccuracyM, MaxAge: cfg.MaxFixAge}},
		{Name: "device_low", Timeout: cfg.LowTimeout, Provider: &DeviceProvider{Fixes: fixes, MaxAge: cfg.MaxFixAge}},
	}
	if network != nil {
		tiers = append(tiers, Tier{Name: "network", Timeout: cfg.NetworkTimeout, Provider: network})
	}
	return tiers
}

// TrackingTiers are the device tiers only. A tracked driver keeps its last
// precise fix through a GPS outage instead of falling back to an IP estimate.
func TrackingTiers(cfg TierConfig, fixes *FixBuffer) []Tier {
	return DefaultTiers(cfg, fixes, nil)
}
