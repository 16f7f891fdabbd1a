package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Inquest engine.
type Config struct {
	Port      int
	Version   string
	Engine    EngineConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Notify    NotifyConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
}

type EngineConfig struct {
	// ConfidenceThreshold is the score at which investigations conclude.
	ConfidenceThreshold float64
	// MaxRounds caps replanning before a forced conclusion.
	MaxRounds int
	// TaskTimeout bounds a single worker capability run.
	TaskTimeout time.Duration
}

type DatabaseConfig struct {
	// URL empty means the in-memory store (local dev, tests).
	URL            string
	MaxConnections int
}

type QueueConfig struct {
	// NATSURL empty means the in-process queue.
	NATSURL string
	Buffer  int
}

type NotifyConfig struct {
	// WebhookURL receives final reports. Empty disables delivery.
	WebhookURL string
	// Secret enables HMAC-SHA256 signing of webhook payloads.
	Secret string
}

type RetentionConfig struct {
	// Enabled turns on the background janitor that archives and purges
	// concluded investigations.
	Enabled bool
	// MaxAge is how long terminal investigations stay queryable.
	MaxAge time.Duration
	// Interval between janitor sweeps.
	Interval time.Duration
	// ArchiveDir is where local archives are written. Empty uses the
	// default under the home directory.
	ArchiveDir string
	// Compress gzips archive files.
	Compress bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("INQUEST_PORT", 8080),
		Version: envStr("INQUEST_VERSION", "0.1.0"),
		Engine: EngineConfig{
			ConfidenceThreshold: envFloat("INQUEST_CONFIDENCE_THRESHOLD", 0.8),
			MaxRounds:           envInt("INQUEST_MAX_ROUNDS", 5),
			TaskTimeout:         envDuration("INQUEST_TASK_TIMEOUT", 5*time.Minute),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Queue: QueueConfig{
			NATSURL: envStr("NATS_URL", ""),
			Buffer:  envInt("INQUEST_QUEUE_BUFFER", 256),
		},
		Notify: NotifyConfig{
			WebhookURL: envStr("INQUEST_REPORT_WEBHOOK_URL", ""),
			Secret:     envStr("INQUEST_REPORT_WEBHOOK_SECRET", ""),
		},
		Retention: RetentionConfig{
			Enabled:    envBool("INQUEST_RETENTION_ENABLED", false),
			MaxAge:     envDuration("INQUEST_RETENTION_MAX_AGE", 7*24*time.Hour),
			Interval:   envDuration("INQUEST_RETENTION_INTERVAL", time.Hour),
			ArchiveDir: envStr("INQUEST_ARCHIVE_DIR", ""),
			Compress:   envBool("INQUEST_ARCHIVE_COMPRESS", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "inquest-engine"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
