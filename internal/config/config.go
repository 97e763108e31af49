package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Config holds gateway configuration populated from environment variables.
type Config struct {
	// Listener
	ListenAddr string
	ServerEnv  string // "development" or "production"

	// Admin API
	ServiceKey   string
	BaseAuthPath string // e.g. "/nodejs/"

	// Backend
	BackendScheme         string
	BackendHost           string
	BackendPort           int
	BackendBasePath       string
	BackendMessagePath    string
	BackendBasicAuth      string // "user:pass"; empty disables basic auth
	BackendStrictTLS      bool
	BackendRequestTimeout time.Duration

	// Session Manager
	GracePeriod              time.Duration
	ClientsCanWriteToClients bool

	// CORS
	CORSAllowOrigins string

	// Rate limiting (per-socket inbound events)
	RateLimitEnabled       bool
	RateLimitEvents        int
	RateLimitWindowSeconds int
	RateLimitRedisURL      string // empty: in-process fixed window only

	// Logging
	LogLevel  string // "debug", "info", "warn", "error"
	LogFormat string // "json" or "console"

	// Extension
	ExtensionScriptPath   string
	ExtensionBearerSecret string // HMAC secret for extension-declared "auth=false" routes; unset disables them
}

// Load reads configuration from environment variables with defaults suited to local development. It returns an
// error if any variable is set but cannot be parsed, or if required security values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ListenAddr: envStr("LISTEN_ADDR", ":8090"),
		ServerEnv:  envStr("SERVER_ENV", "production"),

		ServiceKey:   envStr("SERVICE_KEY", ""),
		BaseAuthPath: envStr("BASE_AUTH_PATH", "/nodejs/"),

		BackendScheme:         envStr("BACKEND_SCHEME", "http"),
		BackendHost:           envStr("BACKEND_HOST", "localhost"),
		BackendPort:           p.int("BACKEND_PORT", 80),
		BackendBasePath:       envStr("BACKEND_BASE_PATH", "/nodejs"),
		BackendMessagePath:    envStr("BACKEND_MESSAGE_PATH", "message"),
		BackendBasicAuth:      envStr("BACKEND_BASIC_AUTH", ""),
		BackendStrictTLS:      p.bool("BACKEND_STRICT_TLS", true),
		BackendRequestTimeout: p.duration("BACKEND_REQUEST_TIMEOUT", 10*time.Second),

		GracePeriod:              p.humanDuration("GRACE_PERIOD", 2*time.Second),
		ClientsCanWriteToClients: p.bool("CLIENTS_CAN_WRITE_TO_CLIENTS", false),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),

		RateLimitEnabled:       p.bool("RATE_LIMIT_ENABLED", true),
		RateLimitEvents:        p.int("RATE_LIMIT_EVENTS", 30),
		RateLimitWindowSeconds: p.int("RATE_LIMIT_WINDOW_SECONDS", 10),
		RateLimitRedisURL:      envStr("RATE_LIMIT_REDIS_URL", ""),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "json"),

		ExtensionScriptPath:   envStr("EXTENSION_SCRIPT_PATH", ""),
		ExtensionBearerSecret: envStr("EXTENSION_BEARER_SECRET", ""),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if cfg.IsDevelopment() {
		cfg.LogFormat = "console"
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

// RateLimitSharedBackend returns true when the rate limiter should use a shared Redis store rather than the
// in-process fixed window, which does not coordinate across multiple gateway processes.
func (c *Config) RateLimitSharedBackend() bool {
	return c.RateLimitRedisURL != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.ServiceKey == "" {
		errs = append(errs, fmt.Errorf("SERVICE_KEY is required"))
	}

	if !strings.HasPrefix(c.BaseAuthPath, "/") {
		errs = append(errs, fmt.Errorf("BASE_AUTH_PATH must start with \"/\""))
	}

	if c.BackendScheme != "http" && c.BackendScheme != "https" {
		errs = append(errs, fmt.Errorf("BACKEND_SCHEME must be \"http\" or \"https\""))
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		errs = append(errs, fmt.Errorf("BACKEND_PORT must be between 1 and 65535"))
	}
	if c.BackendBasicAuth != "" && !strings.Contains(c.BackendBasicAuth, ":") {
		errs = append(errs, fmt.Errorf("BACKEND_BASIC_AUTH must be in \"user:pass\" form"))
	}
	if c.BackendRequestTimeout < time.Millisecond {
		errs = append(errs, fmt.Errorf("BACKEND_REQUEST_TIMEOUT must be at least 1ms"))
	}

	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("GRACE_PERIOD must not be negative"))
	}

	if c.RateLimitEvents < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_EVENTS must be at least 1"))
	}
	if c.RateLimitWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be at least 1"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be one of json, console"))
	}

	return errors.Join(errs...)
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

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"24h\" or \"30m\")", key, v))
		return fallback
	}
	return d
}

// humanDuration accepts the same formats as duration ("2s", "500ms") plus day and week units (e.g. "1d", "1w"), so
// operators can copy values straight out of spec documents or dashboards.
func (p *parser) humanDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"2s\" or \"500ms\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
