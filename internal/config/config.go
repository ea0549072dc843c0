package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	JWTSecret string

	// dispatch tunables
	MaxRadiusKm     float64
	ClaimRetries    int
	AssumedSpeedKmh float64

	// registry / presence / queue timing
	SweepInterval     time.Duration
	IdleProbeAfter    time.Duration
	IdleCloseAfter    time.Duration
	PresenceGrace     time.Duration
	QueueTTL          time.Duration
	ReconnectTokenTTL time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey: "drivers_geo",
		KafkaTopic:  "driver-locations",

		MaxRadiusKm:     10,
		ClaimRetries:    3,
		AssumedSpeedKmh: 30,

		SweepInterval:     30 * time.Second,
		IdleProbeAfter:    5 * time.Minute,
		IdleCloseAfter:    6 * time.Minute,
		PresenceGrace:     3 * time.Second,
		QueueTTL:          24 * time.Hour,
		ReconnectTokenTTL: 2 * time.Minute,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setFloatFromEnv(&cfg.MaxRadiusKm, "DISPATCH_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.ClaimRetries, "DISPATCH_CLAIM_RETRIES", &errs)
	setFloatFromEnv(&cfg.AssumedSpeedKmh, "DISPATCH_ASSUMED_SPEED_KMH", &errs)

	setDurationFromEnv(&cfg.SweepInterval, "REGISTRY_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.IdleProbeAfter, "REGISTRY_IDLE_PROBE_AFTER", &errs)
	setDurationFromEnv(&cfg.IdleCloseAfter, "REGISTRY_IDLE_CLOSE_AFTER", &errs)
	setDurationFromEnv(&cfg.PresenceGrace, "PRESENCE_GRACE", &errs)
	setDurationFromEnv(&cfg.QueueTTL, "QUEUE_TTL", &errs)
	setDurationFromEnv(&cfg.ReconnectTokenTTL, "RECONNECT_TOKEN_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MaxRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_KM must be > 0"))
	}
	if cfg.ClaimRetries <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CLAIM_RETRIES must be > 0"))
	}
	if cfg.IdleCloseAfter <= cfg.IdleProbeAfter {
		errs = append(errs, fmt.Errorf("REGISTRY_IDLE_CLOSE_AFTER must exceed REGISTRY_IDLE_PROBE_AFTER"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
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
