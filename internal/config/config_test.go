package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(viper.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CandidateRadiusKm != 5 || cfg.NotifyRadiusKm != 10 {
		t.Fatalf("unexpected radii %v/%v", cfg.CandidateRadiusKm, cfg.NotifyRadiusKm)
	}
	if cfg.LocationHighTimeout != 5*time.Second || cfg.LocationLowTimeout != 10*time.Second {
		t.Fatalf("unexpected location timeouts")
	}
	if cfg.FeedTransport != TransportMemory || cfg.MatcherTopN != 5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestOverrides(t *testing.T) {
	v := viper.New()
	v.Set("KAFKA_BROKERS", "a:9092, b:9092,")
	v.Set("FEED_TRANSPORT", "Kafka")
	v.Set("CLAIM_TIMEOUT", "750ms")
	v.Set("FEED_CANDIDATE_RADIUS_KM", "3.5")
	cfg, err := LoadServerConfig(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
	if cfg.FeedTransport != TransportKafka || cfg.ClaimTimeout != 750*time.Millisecond || cfg.CandidateRadiusKm != 3.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestErrorsAreJoined(t *testing.T) {
	v := viper.New()
	v.Set("TRACKER_INTERVAL", "soon")
	v.Set("MATCHER_TOP_N", "0")
	v.Set("FEED_TRANSPORT", "postgres")
	_, err := LoadServerConfig(v)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"TRACKER_INTERVAL", "MATCHER_TOP_N", "PG_DSN"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %s", msg, want)
		}
	}
}
