// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Session settings.
	SessionIdleTTL   time.Duration // Sessions with no patch activity past this are reaped.
	SubscriberBuffer int           // Per-subscriber event channel capacity.
	DeliveryLimit    int           // Max concurrent hook deliveries per event batch; 0 = unlimited.

	// Rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KIROKU_PORT", 8080),
		ReadTimeout:         envDuration("KIROKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KIROKU_WRITE_TIMEOUT", 0), // 0: event streams stay open indefinitely.
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kiroku"),
		SessionIdleTTL:      envDuration("KIROKU_SESSION_IDLE_TTL", 10*time.Minute),
		SubscriberBuffer:    envInt("KIROKU_SUBSCRIBER_BUFFER", 64),
		DeliveryLimit:       envInt("KIROKU_DELIVERY_LIMIT", 8),
		RateLimitRPS:        envFloat("KIROKU_RATE_LIMIT_RPS", 100),
		RateLimitBurst:      envInt("KIROKU_RATE_LIMIT_BURST", 200),
		LogLevel:            envStr("KIROKU_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("KIROKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KIROKU_PORT must be in 1..65535")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("config: KIROKU_SESSION_IDLE_TTL must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: KIROKU_SUBSCRIBER_BUFFER must be positive")
	}
	if c.DeliveryLimit < 0 {
		return fmt.Errorf("config: KIROKU_DELIVERY_LIMIT must not be negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KIROKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
