package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	AutoMigrate bool
	GinMode     string

	// RepoBackend is "postgres" or "memory"; memory is for local runs only.
	RepoBackend string

	// PublicBaseURL is where the bank sends the cardholder back after 3-D
	// Secure.
	PublicBaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	PANPepper            string
	IdempotencyRetention time.Duration
	ReconcileInterval    time.Duration
	ReconcileAfter       time.Duration
	ThreeDSTimeout       time.Duration
	HoldSweepInterval    time.Duration
	PurgeInterval        time.Duration
	ReconcileConcurrency int

	POSConfigFile string
	POS           *POSConfig
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "vpos"),
		DBPassword:  getEnv("DB_PASSWORD", "vpos_secret"),
		DBName:      getEnv("DB_NAME", "vpos"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),
		AutoMigrate: getEnv("AUTO_MIGRATE", "false") == "true",
		GinMode:     getEnv("GIN_MODE", "debug"),
		RepoBackend: getEnv("REPO_BACKEND", "postgres"),

		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "payments.transitions"),

		PANPepper:     getEnv("PAN_HASH_KEY", ""),
		POSConfigFile: getEnv("POS_CONFIG_FILE", ""),
	}

	var err error
	if cfg.IdempotencyRetention, err = getDuration("IDEMPOTENCY_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileAfter, err = getDuration("RECONCILE_AFTER", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ThreeDSTimeout, err = getDuration("THREEDS_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HoldSweepInterval, err = getDuration("HOLD_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PurgeInterval, err = getDuration("IDEMPOTENCY_PURGE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReconcileConcurrency, err = strconv.Atoi(getEnv("RECONCILE_CONCURRENCY", "4")); err != nil {
		return nil, fmt.Errorf("parse RECONCILE_CONCURRENCY: %w", err)
	}
	if cfg.RepoBackend != "postgres" && cfg.RepoBackend != "memory" {
		return nil, fmt.Errorf("REPO_BACKEND must be postgres or memory, got %q", cfg.RepoBackend)
	}

	if cfg.PANPepper == "" {
		if cfg.GinMode == "release" {
			return nil, fmt.Errorf("PAN_HASH_KEY is required in release mode")
		}
		cfg.PANPepper = "dev-pan-pepper"
	}

	pos, err := LoadPOS(cfg.POSConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load pos config: %w", err)
	}
	cfg.POS = pos

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
