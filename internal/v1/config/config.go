// Package config loads and validates environment configuration.
package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/tinchat/server/internal/v1/logging"
)

// Config holds validated environment configuration.
//
// The optional groups gate features: identity settings enable
// authenticated sessions, the store DSN enables durable profiles and
// friends, and the Redis address enables the shared cache tier and
// queue persistence. Each group is independent; the matchmaker and
// relay work with all of them absent.
type Config struct {
	Port            string `envconfig:"PORT" default:"8080"`
	GoEnv           string `envconfig:"GO_ENV" default:"production"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	DevelopmentMode bool   `envconfig:"DEVELOPMENT_MODE" default:"false"`
	AllowedOrigins  string `envconfig:"ALLOWED_ORIGINS"`

	// Identity provider (optional; absent -> anonymous sessions only)
	IdentitySecretKey      string `envconfig:"IDENTITY_SECRET_KEY"`
	IdentityPublishableKey string `envconfig:"IDENTITY_PUBLISHABLE_KEY"`
	IdentityDomain         string `envconfig:"IDENTITY_DOMAIN"`
	IdentityAudience       string `envconfig:"IDENTITY_AUDIENCE"`

	// System of record (optional; absent -> profile/friends disabled)
	StoreDSN        string `envconfig:"STORE_DSN"`
	StoreServiceKey string `envconfig:"STORE_SERVICE_KEY"`

	// Remote key-value store (optional; absent -> in-process only)
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	// Performance monitoring toggle
	PerfMonitoring bool `envconfig:"PERF_MONITORING" default:"true"`

	// Rate limits (format: "<count>-<S|M|H>")
	RateLimitAPI    string `envconfig:"RATE_LIMIT_API" default:"100-M"`
	RateLimitWsConn string `envconfig:"RATE_LIMIT_WS_CONN" default:"60-M"`

	// Tracing (optional; absent -> tracing disabled)
	OTLPEndpoint           string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecureSkipVerify bool   `envconfig:"OTEL_INSECURE_SKIP_VERIFY" default:"false"`
}

// Load reads the environment into a Config and validates it.
// All problems are reported together so a broken deployment fails with
// one actionable message.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	var errors []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	switch cfg.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of error|warn|info|debug (got '%s')", cfg.LogLevel))
	}

	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}

	if cfg.IdentityDomain != "" && strings.Contains(cfg.IdentityDomain, "://") {
		errors = append(errors, fmt.Sprintf("IDENTITY_DOMAIN must be a bare domain without scheme (got '%s')", cfg.IdentityDomain))
	}

	if !isValidRateFormat(cfg.RateLimitAPI) {
		errors = append(errors, fmt.Sprintf("RATE_LIMIT_API must be in format '<count>-<S|M|H>' (got '%s')", cfg.RateLimitAPI))
	}
	if !isValidRateFormat(cfg.RateLimitWsConn) {
		errors = append(errors, fmt.Sprintf("RATE_LIMIT_WS_CONN must be in format '<count>-<S|M|H>' (got '%s')", cfg.RateLimitWsConn))
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return cfg, nil
}

// AuthEnabled reports whether authenticated sessions are possible.
func (c *Config) AuthEnabled() bool {
	return c.IdentitySecretKey != ""
}

// StoreEnabled reports whether the system of record is configured.
func (c *Config) StoreEnabled() bool {
	return c.StoreDSN != ""
}

// KVEnabled reports whether the remote key-value tier is configured.
func (c *Config) KVEnabled() bool {
	return c.RedisAddr != ""
}

// TracingEnabled reports whether an OTLP collector is configured.
func (c *Config) TracingEnabled() bool {
	return c.OTLPEndpoint != ""
}

// Origins returns the CORS allow-list, with a local development
// default when the env var is unset.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogValidated logs the effective configuration with secrets redacted.
func (c *Config) LogValidated(ctx context.Context) {
	logging.Info(ctx, "Environment configuration validated",
		zap.String("port", c.Port),
		zap.String("go_env", c.GoEnv),
		zap.String("log_level", c.LogLevel),
		zap.Bool("development_mode", c.DevelopmentMode),
		zap.Bool("auth_enabled", c.AuthEnabled()),
		zap.String("identity_secret_key", redactSecret(c.IdentitySecretKey)),
		zap.Bool("store_enabled", c.StoreEnabled()),
		zap.Bool("kv_enabled", c.KVEnabled()),
		zap.String("redis_addr", c.RedisAddr),
		zap.Bool("perf_monitoring", c.PerfMonitoring),
		zap.String("rate_limit_api", c.RateLimitAPI),
	)
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// isValidRateFormat checks the "<count>-<period>" shape used by the
// rate limiter, e.g. "100-M".
func isValidRateFormat(rate string) bool {
	parts := strings.Split(rate, "-")
	if len(parts) != 2 {
		return false
	}
	if n, err := strconv.Atoi(parts[0]); err != nil || n < 1 {
		return false
	}
	switch parts[1] {
	case "S", "M", "H":
		return true
	}
	return false
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
