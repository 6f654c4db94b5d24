package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerHost string
	ServerPort int
	ServerEnv  string // "development" or "production"
	LogLevel   string

	// GatewayID identifies this replica in connection records and events. Defaults to "<POD_NAME|HOST>:<PORT>" so that
	// Kubernetes pods get a stable per-replica identity.
	GatewayID string

	// Store
	StoreURL string

	// Tokens
	SecretKey string
	TokenTTL  time.Duration

	// Sessions
	SessionTimeout       time.Duration
	SessionSweepInterval time.Duration

	// Write-behind batcher
	FlushInterval  time.Duration
	BatchHighWater int

	// WebSocket health
	PingInterval      time.Duration
	PongTimeout       time.Duration
	InactivityTimeout time.Duration
	ConnSweepInterval time.Duration

	// Bootstrap admins. Usernames in this list receive the admin role on registration; everyone else starts as a
	// plain user. Static config rather than a store migration so a fresh fleet has no first-boot race.
	AdminUsernames []string

	// Rate limiting
	RateLimitAPIRequests       int
	RateLimitAPIWindowSeconds  int
	RateLimitAuthCount         int
	RateLimitAuthWindowSeconds int

	// CORS
	CORSAllowOrigins string
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if required security values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerHost: envStr("HOST", "localhost"),
		ServerPort: p.int("PORT", 8000),
		ServerEnv:  envStr("ENV", "production"),
		LogLevel:   envStr("LOG_LEVEL", "info"),

		StoreURL: envStr("STORE_URL", "redis://redis:6379/0"),

		SecretKey: envStr("SECRET_KEY", ""),
		TokenTTL:  p.seconds("TOKEN_TTL_SECONDS", 1800),

		SessionTimeout:       p.seconds("SESSION_TIMEOUT_SECONDS", 1800),
		SessionSweepInterval: p.seconds("SESSION_SWEEP_INTERVAL_SECONDS", 60),

		FlushInterval:  p.millis("FLUSH_INTERVAL_MS", 100),
		BatchHighWater: p.int("BATCH_HIGH_WATER", 50000),

		PingInterval:      p.seconds("PING_INTERVAL_SECONDS", 25),
		PongTimeout:       p.seconds("PONG_TIMEOUT_SECONDS", 30),
		InactivityTimeout: p.seconds("INACTIVITY_TIMEOUT_SECONDS", 60),
		ConnSweepInterval: p.seconds("CONNECTION_SWEEP_INTERVAL_SECONDS", 30),

		AdminUsernames: envList("ADMIN_USERNAMES", []string{"admin"}),

		RateLimitAPIRequests:       p.int("RATE_LIMIT_API_REQUESTS", 600),
		RateLimitAPIWindowSeconds:  p.int("RATE_LIMIT_API_WINDOW_SECONDS", 60),
		RateLimitAuthCount:         p.int("RATE_LIMIT_AUTH_COUNT", 10),
		RateLimitAuthWindowSeconds: p.int("RATE_LIMIT_AUTH_WINDOW_SECONDS", 300),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),
	}

	cfg.GatewayID = envStr("GATEWAY_ID", defaultGatewayID(cfg.ServerPort))

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// IsBootstrapAdmin returns true when the username is in the configured admin allow-list.
func (c *Config) IsBootstrapAdmin(username string) bool {
	for _, u := range c.AdminUsernames {
		if u == username {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	var errs []error

	if c.SecretKey == "" {
		errs = append(errs, fmt.Errorf("SECRET_KEY is required"))
	} else if len(c.SecretKey) < 32 {
		errs = append(errs, fmt.Errorf("SECRET_KEY must be at least 32 characters"))
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}

	if c.TokenTTL < time.Second {
		errs = append(errs, fmt.Errorf("TOKEN_TTL_SECONDS must be at least 1"))
	}
	if c.SessionTimeout < time.Second {
		errs = append(errs, fmt.Errorf("SESSION_TIMEOUT_SECONDS must be at least 1"))
	}
	if c.FlushInterval < time.Millisecond {
		errs = append(errs, fmt.Errorf("FLUSH_INTERVAL_MS must be at least 1"))
	}
	if c.BatchHighWater < 1 {
		errs = append(errs, fmt.Errorf("BATCH_HIGH_WATER must be at least 1"))
	}
	if c.PingInterval < time.Second {
		errs = append(errs, fmt.Errorf("PING_INTERVAL_SECONDS must be at least 1"))
	}
	if c.PongTimeout < time.Second {
		errs = append(errs, fmt.Errorf("PONG_TIMEOUT_SECONDS must be at least 1"))
	}
	if c.InactivityTimeout < time.Second {
		errs = append(errs, fmt.Errorf("INACTIVITY_TIMEOUT_SECONDS must be at least 1"))
	}

	if c.RateLimitAPIRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_REQUESTS must be at least 1"))
	}
	if c.RateLimitAPIWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_WINDOW_SECONDS must be at least 1"))
	}
	if c.RateLimitAuthCount < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_AUTH_COUNT must be at least 1"))
	}
	if c.RateLimitAuthWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_AUTH_WINDOW_SECONDS must be at least 1"))
	}

	return errors.Join(errs...)
}

func defaultGatewayID(port int) string {
	host := os.Getenv("POD_NAME")
	if host == "" {
		host = envStr("HOST", "localhost")
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) seconds(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Second
}

func (p *parser) millis(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Millisecond
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
