// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Token signing
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Session trust settings
	SessionTTL  time.Duration // store-level TTL for session records
	HomeCountry string        // baseline country for the location signal

	// Demo user directory: "alice:secret,bob:hunter2". Password verification
	// is normally an external collaborator; this stands in for it during
	// development.
	AuthUsers string

	RateLimitRPM int
}

// Defaults
const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultAccessTTL   = 30 * time.Minute
	DefaultRefreshTTL  = 7 * 24 * time.Hour
	DefaultSessionTTL  = 300 * time.Second
	DefaultHomeCountry = "US"
	DefaultRateLimit   = 60
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		JWTSecret:    os.Getenv("JWT_SECRET"), // Required, no default
		AccessTTL:    getEnvDuration("ACCESS_TOKEN_TTL", DefaultAccessTTL),
		RefreshTTL:   getEnvDuration("REFRESH_TOKEN_TTL", DefaultRefreshTTL),
		SessionTTL:   getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		HomeCountry:  getEnv("HOME_COUNTRY", DefaultHomeCountry),
		AuthUsers:    os.Getenv("AUTH_USERS"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	return nil
}

// Users parses AuthUsers into a username→password map.
func (c *Config) Users() map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(c.AuthUsers, ",") {
		name, pw, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && name != "" {
			users[name] = pw
		}
	}
	return users
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
