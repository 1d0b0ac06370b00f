package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avatraffic/internal/config"
)

// Environment variables read at startup.
const (
	envConfigPath  = "AVATRAFFIC_CONFIG"
	envLogLevel    = "AVATRAFFIC_LOG_LEVEL"
	envLogFormat   = "AVATRAFFIC_LOG_FORMAT"
	envListen      = "AVATRAFFIC_LISTEN"
	envAdminListen = "AVATRAFFIC_ADMIN_LISTEN"
	envRedisURL    = "AVATRAFFIC_REDIS_URL"
	envNATSURL     = "AVATRAFFIC_NATS_URL"
	envMaxInFlight = "AVATRAFFIC_MAX_IN_FLIGHT"
	envTracing     = "AVATRAFFIC_TRACING"
)

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool accepts "true", "1", "yes" and "on" as true values.
func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// applyEnvOverrides lets deployment-specific endpoints replace file values.
func applyEnvOverrides(cfg *config.Config) {
	cfg.Server.Address = getEnvOrDefault(envListen, cfg.Server.Address)
	cfg.Admin.Address = getEnvOrDefault(envAdminListen, cfg.Admin.Address)
	cfg.Redis.URL = getEnvOrDefault(envRedisURL, cfg.Redis.URL)
	cfg.Scaling.NATS.URL = getEnvOrDefault(envNATSURL, cfg.Scaling.NATS.URL)
	cfg.Tracing.Enabled = getEnvBool(envTracing, cfg.Tracing.Enabled)
	if raw := os.Getenv(envMaxInFlight); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.Server.MaxInFlight = n
		}
	}
}
