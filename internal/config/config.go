// Package config loads the relay's process-wide configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// ErrMissingRequired is returned when a required setting is absent.
var ErrMissingRequired = errors.New("config: missing required setting")

// Config is decoded from environment variables by envdecode.
type Config struct {
	Host string `env:"HOST,default=0.0.0.0"`
	Port int    `env:"PORT,default=4000"`

	// AuthSecret verifies HMAC-signed handshake tokens. Required.
	AuthSecret string `env:"AUTH_SECRET"`
	// InternalAPIKey authenticates the trusted ingestion surface. Required.
	InternalAPIKey string `env:"INTERNAL_API_KEY"`

	AuthJWKSURL     string        `env:"AUTH_JWKS_URL"`
	AuthIssuer      string        `env:"AUTH_ISSUER"`
	AuthAudience    []string      `env:"AUTH_AUDIENCE"`
	AuthLeeway      time.Duration `env:"AUTH_LEEWAY,default=30s"`
	AuthCookieNames []string      `env:"AUTH_COOKIE_NAMES,default=next-auth.session-token;__Secure-next-auth.session-token"`

	// RedisURL enables the fan-out bus. Empty means single-instance mode.
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=notify-relay:"`

	// AllowedOrigin is a comma separated list of websocket origins.
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`
	SocketPath    string `env:"SOCKET_PATH,default=/socket"`

	DatabaseURL      string        `env:"DATABASE_URL"`
	ReadStateTable   string        `env:"READSTATE_TABLE,default=Notification"`
	ReadStateTimeout time.Duration `env:"READSTATE_TIMEOUT,default=5s"`

	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	var missing []string
	if c.AuthSecret == "" {
		missing = append(missing, "AUTH_SECRET")
	}
	if c.InternalAPIKey == "" {
		missing = append(missing, "INTERNAL_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		return fmt.Errorf("config: SOCKET_PATH must start with /, got %q", c.SocketPath)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("config: invalid LOG_FORMAT %q", c.LogFormat)
	}

	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// AllowedOrigins splits AllowedOrigin on commas, dropping empty entries.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// SlogLevel maps LogLevel onto a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", c.LogLevel)
	}
	return lvl, nil
}
