// Package config loads cmd/sshmuxd's environment-based configuration.
// Grounded on the teacher's internal/config: godotenv for local .env
// loading, getEnv/getEnvAsBool helpers, parseRedisAddr for normalizing a
// Redis URL into Asynq's host:port form.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is cmd/sshmuxd's process-wide configuration. The core sshmux
// package itself never reads environment variables — only this demo
// binary does, per SPEC_FULL.md §6.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	// JWTSecret signs bearer tokens the websocket bridge accepts. Empty
	// disables auth — acceptable for local development only.
	JWTSecret string

	RedisURL  string
	RedisAddr string // host:port form, for Asynq

	EnableTransferQueue bool
	EnableKeepalive     bool
	KeepaliveSpec       string

	SessionLogPath string
}

// Load reads configuration from the environment, loading a local .env file
// first if one is present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8787"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "console"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		EnableTransferQueue: getEnvAsBool("ENABLE_TRANSFER_QUEUE", false),
		EnableKeepalive:     getEnvAsBool("ENABLE_KEEPALIVE", true),
		KeepaliveSpec:       getEnv("KEEPALIVE_SPEC", "@every 30s"),
		SessionLogPath:      getEnv("SESSION_LOG_PATH", "sshmuxd-history.db"),
	}
	cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// parseRedisAddr extracts host:port from a redis:// URL, a bare host:port,
// or a bare host (Redis' default port is assumed).
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr += ":6379"
	}
	return addr
}
