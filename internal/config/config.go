package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the fleetcore daemon.
type Config struct {
	AdminPort int
	Version   string
	LogLevel  string
	MQTT      MQTTConfig
	Redis     RedisConfig
	Ingest    IngestConfig
	Telemetry TelemetryConfig
}

type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            int
	ConnectTimeout time.Duration
}

// RedisConfig selects the shared cache and lock backend. An empty Addr
// keeps everything in process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type IngestConfig struct {
	CompletionDelay time.Duration
	DrainBudget     time.Duration
	LockWait        time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		AdminPort: envInt("FLEETCORE_ADMIN_PORT", 8080),
		Version:   envStr("FLEETCORE_VERSION", "0.4.0"),
		LogLevel:  envStr("FLEETCORE_LOG_LEVEL", "info"),
		MQTT: MQTTConfig{
			BrokerURL:      envStr("FLEETCORE_MQTT_URL", "tcp://localhost:1883"),
			ClientID:       envStr("FLEETCORE_MQTT_CLIENT_ID", "fleetcore"),
			Username:       envStr("FLEETCORE_MQTT_USERNAME", ""),
			Password:       envStr("FLEETCORE_MQTT_PASSWORD", ""),
			QoS:            envInt("FLEETCORE_MQTT_QOS", 1),
			ConnectTimeout: envDur("FLEETCORE_MQTT_CONNECT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     envStr("FLEETCORE_REDIS_ADDR", ""),
			Password: envStr("FLEETCORE_REDIS_PASSWORD", ""),
			DB:       envInt("FLEETCORE_REDIS_DB", 0),
			Prefix:   envStr("FLEETCORE_REDIS_PREFIX", "fleetcore"),
		},
		Ingest: IngestConfig{
			CompletionDelay: envDur("FLEETCORE_COMPLETION_DELAY", 3*time.Second),
			DrainBudget:     envDur("FLEETCORE_DRAIN_BUDGET", 3*time.Second),
			LockWait:        envDur("FLEETCORE_LOCK_WAIT", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "fleetcore"),
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
