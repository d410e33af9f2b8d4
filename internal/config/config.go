package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Feed transports.
const (
	TransportMemory   = "memory"
	TransportKafka    = "kafka"
	TransportPostgres = "postgres"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values come from viper (environment, optional config file, bound flags)
// on top of defaults that run locally without any backing services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers      []string
	KafkaSamplesTopic string
	KafkaRidesTopic   string
	KafkaGroupID      string

	PGDSN         string
	FeedTransport string

	CandidateRadiusKm float64
	NotifyRadiusKm    float64

	LocationHighTimeout    time.Duration
	LocationLowTimeout     time.Duration
	LocationNetworkTimeout time.Duration
	LocationHighAccuracyM  float64
	LocationMaxFixAge      time.Duration
	IPGeoEndpoint          string

	TrackerInterval         time.Duration
	TrackerFailureThreshold int

	ClaimTimeout time.Duration
	ClaimLockTTL time.Duration

	ETAFallbackSpeedKmh float64
	OSRMEndpoint        string
	RouteCacheTTL       time.Duration

	MatcherTopN  int
	PushEndpoint string
	PushKey      string

	StatsMaxSampleGap time.Duration
	StatsTimezone     string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                ":8080",
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            10 * time.Second,
		IdleTimeout:             120 * time.Second,
		ShutdownTimeout:         15 * time.Second,
		RedisGeoKey:             "drivers_geo",
		KafkaSamplesTopic:       "driver-locations",
		KafkaRidesTopic:         "ride-events",
		KafkaGroupID:            "ride-dispatch",
		FeedTransport:           TransportMemory,
		CandidateRadiusKm:       5,
		NotifyRadiusKm:          10,
		LocationHighTimeout:     5 * time.Second,
		LocationLowTimeout:      10 * time.Second,
		LocationNetworkTimeout:  5 * time.Second,
		LocationHighAccuracyM:   50,
		LocationMaxFixAge:       30 * time.Second,
		IPGeoEndpoint:           "https://ipapi.co",
		TrackerInterval:         5 * time.Second,
		TrackerFailureThreshold: 3,
		ClaimTimeout:            3 * time.Second,
		ClaimLockTTL:            5 * time.Second,
		ETAFallbackSpeedKmh:     25,
		RouteCacheTTL:           time.Minute,
		MatcherTopN:             5,
		StatsMaxSampleGap:       2 * time.Minute,
		StatsTimezone:           "Local",
		LogLevel:                "info",
	}
}

// LoadServerConfig reads every key from v over the defaults. Malformed
// values and invalid combinations are all reported together.
func LoadServerConfig(v *viper.Viper) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setString(v, &cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(v, &cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(v, &cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(v, &cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setString(v, &cfg.KafkaSamplesTopic, "KAFKA_TOPIC")
	setString(v, &cfg.KafkaRidesTopic, "KAFKA_RIDES_TOPIC")
	setString(v, &cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	setString(v, &cfg.PGDSN, "PG_DSN")
	setString(v, &cfg.FeedTransport, "FEED_TRANSPORT")
	cfg.FeedTransport = strings.ToLower(cfg.FeedTransport)

	setFloat(v, &cfg.CandidateRadiusKm, "FEED_CANDIDATE_RADIUS_KM", &errs)
	setFloat(v, &cfg.NotifyRadiusKm, "FEED_NOTIFY_RADIUS_KM", &errs)

	setDuration(v, &cfg.LocationHighTimeout, "LOCATION_HIGH_TIMEOUT", &errs)
	setDuration(v, &cfg.LocationLowTimeout, "LOCATION_LOW_TIMEOUT", &errs)
	setDuration(v, &cfg.LocationNetworkTimeout, "LOCATION_NETWORK_TIMEOUT", &errs)
	setFloat(v, &cfg.LocationHighAccuracyM, "LOCATION_HIGH_ACCURACY_M", &errs)
	setDuration(v, &cfg.LocationMaxFixAge, "LOCATION_MAX_FIX_AGE", &errs)
	setString(v, &cfg.IPGeoEndpoint, "IPGEO_ENDPOINT")

	setDuration(v, &cfg.TrackerInterval, "TRACKER_INTERVAL", &errs)
	setInt(v, &cfg.TrackerFailureThreshold, "TRACKER_FAILURE_THRESHOLD", &errs)

	setDuration(v, &cfg.ClaimTimeout, "CLAIM_TIMEOUT", &errs)
	setDuration(v, &cfg.ClaimLockTTL, "CLAIM_LOCK_TTL", &errs)

	setFloat(v, &cfg.ETAFallbackSpeedKmh, "ETA_FALLBACK_SPEED_KMH", &errs)
	setString(v, &cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDuration(v, &cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setInt(v, &cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setString(v, &cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = v.GetString("PUSH_KEY")

	setDuration(v, &cfg.StatsMaxSampleGap, "STATS_MAX_SAMPLE_GAP", &errs)
	setString(v, &cfg.StatsTimezone, "STATS_TIMEZONE")

	if lvl := v.GetString("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}
	cfg.RunMigrations = v.GetBool("MIGRATE")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.CandidateRadiusKm <= 0 || cfg.NotifyRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("feed radii must be > 0"))
	}
	if cfg.TrackerInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRACKER_INTERVAL must be > 0"))
	}
	if cfg.TrackerFailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("TRACKER_FAILURE_THRESHOLD must be > 0"))
	}
	switch cfg.FeedTransport {
	case TransportMemory:
	case TransportKafka:
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("FEED_TRANSPORT=kafka requires KAFKA_BROKERS"))
		}
	case TransportPostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("FEED_TRANSPORT=postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown FEED_TRANSPORT %q", cfg.FeedTransport))
	}
	if _, err := time.LoadLocation(cfg.StatsTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid STATS_TIMEZONE: %w", err))
	}

	return cfg, errors.Join(errs...)
}

// Location returns the timezone used for the "today" stats window.
func (c ServerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		i, err := strconv.Atoi(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setString(v *viper.Viper, target *string, key string) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		*target = s
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
