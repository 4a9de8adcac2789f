// Package config provides centralized configuration loading and validation
// for Warden.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all validated configuration for the Warden gateway.
type Config struct {
	// ListenAddr is the address the HTTP server binds to (e.g., ":3000").
	ListenAddr string

	// BackendURL is the upstream target URL for the reverse proxy.
	BackendURL *url.URL

	// TrustProxy enables trusting X-Forwarded-For headers.
	TrustProxy bool

	// AdminAPIToken is the bearer token required for admin API access.
	AdminAPIToken string

	// SigningSecret is the HMAC key for request signatures. Empty
	// disables signature verification.
	SigningSecret string

	// SignatureTolerance bounds how far a signed timestamp may drift
	// from server time.
	SignatureTolerance time.Duration

	// DefaultRateLimit is the fallback rate limit applied when no rule
	// matches a request.
	DefaultRateLimit int64

	// DefaultRateWindow is the sliding window for the fallback limit.
	DefaultRateWindow time.Duration

	// DefaultBurstLimit caps short bursts for the fallback rule.
	// Zero disables burst checking.
	DefaultBurstLimit int64

	// BurstWindow is the short horizon for burst checks.
	BurstWindow time.Duration

	// PolicyCacheTTL is how long resolved rules and policies are cached.
	PolicyCacheTTL time.Duration

	// JWTNonceTTL is the validity period for issued JWT nonces.
	JWTNonceTTL time.Duration

	// RedisAddr is the Redis server address (host:port). The sentinel
	// value "memory" selects the in-process store for single-node
	// development mode.
	RedisAddr string

	// DatabaseURL is the PostgreSQL connection string for durable
	// policies and analytics. Empty disables both; policies then live
	// in memory only.
	DatabaseURL string

	// AllowedOrigins controls CORS allowed origins.
	// Empty means no CORS headers are set.
	AllowedOrigins []string

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string
}

// Load reads configuration from the environment, applies defaults, and
// validates all required values. A .env file is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":3000"),
		TrustProxy:         getEnv("TRUST_PROXY", "false") == "true",
		AdminAPIToken:      strings.TrimSpace(getEnv("ADMIN_API_TOKEN", "")),
		SigningSecret:      strings.TrimSpace(getEnv("SIGNING_SECRET", "")),
		SignatureTolerance: time.Duration(getEnvInt("SIGNATURE_TOLERANCE_SECONDS", 300)) * time.Second,
		DefaultRateLimit:   getEnvInt64("RATE_LIMIT_REQUESTS", 100),
		DefaultRateWindow:  time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		DefaultBurstLimit:  getEnvInt64("RATE_LIMIT_BURST", 0),
		BurstWindow:        time.Duration(getEnvInt("BURST_WINDOW_SECONDS", 5)) * time.Second,
		PolicyCacheTTL:     time.Duration(getEnvInt("POLICY_CACHE_TTL_SECONDS", 5)) * time.Second,
		JWTNonceTTL:        time.Duration(getEnvInt("NONCE_JWT_TTL_SECONDS", 86400)) * time.Second,
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL:        strings.TrimSpace(getEnv("DATABASE_URL", "")),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	backendRaw := getEnv("BACKEND_URL", "http://localhost:8080")
	backendURL, err := url.Parse(backendRaw)
	if err != nil {
		return nil, fmt.Errorf("config: invalid BACKEND_URL %q: %w", backendRaw, err)
	}
	cfg.BackendURL = backendURL

	originsRaw := strings.TrimSpace(getEnv("ALLOWED_ORIGINS", ""))
	if originsRaw != "" {
		for _, origin := range strings.Split(originsRaw, ",") {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent and safe.
func (c *Config) Validate() error {
	if c.BackendURL == nil {
		return fmt.Errorf("config: BACKEND_URL is required")
	}
	if c.BackendURL.Scheme != "http" && c.BackendURL.Scheme != "https" {
		return fmt.Errorf("config: BACKEND_URL scheme must be http or https, got %q", c.BackendURL.Scheme)
	}
	if c.BackendURL.Host == "" {
		return fmt.Errorf("config: BACKEND_URL must include a host")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required")
	}
	if c.DefaultRateLimit <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.DefaultRateWindow <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW_SECONDS must be > 0")
	}
	if c.DefaultBurstLimit < 0 {
		return fmt.Errorf("config: RATE_LIMIT_BURST must be >= 0")
	}
	if c.BurstWindow <= 0 {
		return fmt.Errorf("config: BURST_WINDOW_SECONDS must be > 0")
	}
	if c.PolicyCacheTTL <= 0 {
		return fmt.Errorf("config: POLICY_CACHE_TTL_SECONDS must be > 0")
	}
	if c.SignatureTolerance <= 0 {
		return fmt.Errorf("config: SIGNATURE_TOLERANCE_SECONDS must be > 0")
	}
	if c.AdminAPIToken == "change-me" {
		return fmt.Errorf("config: ADMIN_API_TOKEN must be changed from default value")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: LOG_LEVEL must be one of: debug, info, warn, error; got %q", c.LogLevel)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
