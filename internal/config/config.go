// Package config provides centralized configuration management for Gatekeeper.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail fast
// with helpful error messages.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rjsadow/gatekeeper/internal/guard"
)

// Auth providers.
const (
	AuthProviderOIDC = "oidc"
	AuthProviderNoop = "noop"
)

// Global onAuthRequired modes. The empty mode keeps the collaborator's
// default sign-in redirect.
const (
	OnAuthRequiredRedirect     = "redirect"
	OnAuthRequiredLoginPage    = "login_page"
	OnAuthRequiredUnauthorized = "unauthorized"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Port      int
	StaticDir string // SPA build served behind the guard ("" disables static serving)

	// Database configuration
	DBType string // "sqlite" (default) or "postgres"
	DB     string // SQLite file path
	DBDSN  string // PostgreSQL DSN

	// Authentication configuration
	AuthProvider     string // "oidc" (default) or "noop"
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	OIDCScopes       []string
	SessionSecret    string
	SessionTTL       time.Duration
	LoginStateTTL    time.Duration
	OnAuthRequired   string // global recovery mode, see OnAuthRequired* constants
	SecureCookies    bool   // force Secure session cookies behind a TLS-terminating proxy

	// Login rate limiting
	LoginRateLimit float64 // Requests per second per IP (0 = disabled)
	LoginBurst     int

	// Logging
	LogLevel  slog.Level
	LogFormat string // "text" or "json"
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultPort           = 8080
	DefaultDBPath         = "gatekeeper.db"
	DefaultDBType         = "sqlite"
	DefaultAuthProvider   = AuthProviderOIDC
	DefaultOIDCScopes     = "openid,profile,email"
	DefaultSessionTTL     = 8 * time.Hour
	DefaultLoginStateTTL  = 10 * time.Minute
	DefaultLoginRateLimit = float64(5)
	DefaultLoginBurst     = 10
	DefaultLogFormat      = "text"

	// MinSessionSecretLength is the shortest accepted HS256 signing secret.
	MinSessionSecretLength = 32
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           DefaultPort,
		DBType:         DefaultDBType,
		DB:             DefaultDBPath,
		AuthProvider:   DefaultAuthProvider,
		OIDCScopes:     splitList(DefaultOIDCScopes),
		SessionTTL:     DefaultSessionTTL,
		LoginStateTTL:  DefaultLoginStateTTL,
		LoginRateLimit: DefaultLoginRateLimit,
		LoginBurst:     DefaultLoginBurst,
		LogLevel:       slog.LevelInfo,
		LogFormat:      DefaultLogFormat,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("GATEKEEPER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "GATEKEEPER_PORT",
				Message: fmt.Sprintf("invalid port number: %q (must be an integer)", v),
			})
		} else {
			c.Port = port
		}
	}
	if v := os.Getenv("GATEKEEPER_STATIC_DIR"); v != "" {
		c.StaticDir = v
	}

	// Database configuration
	if v := os.Getenv("GATEKEEPER_DB_TYPE"); v != "" {
		c.DBType = v
	}
	if v := os.Getenv("GATEKEEPER_DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv("GATEKEEPER_DB_DSN"); v != "" {
		c.DBDSN = v
	}

	// Authentication configuration
	if v := os.Getenv("GATEKEEPER_AUTH_PROVIDER"); v != "" {
		c.AuthProvider = strings.ToLower(v)
	}
	if v := os.Getenv("GATEKEEPER_OIDC_ISSUER"); v != "" {
		c.OIDCIssuer = v
	}
	if v := os.Getenv("GATEKEEPER_OIDC_CLIENT_ID"); v != "" {
		c.OIDCClientID = v
	}
	if v := os.Getenv("GATEKEEPER_OIDC_CLIENT_SECRET"); v != "" {
		c.OIDCClientSecret = v
	}
	if v := os.Getenv("GATEKEEPER_OIDC_REDIRECT_URL"); v != "" {
		c.OIDCRedirectURL = v
	}
	if v := os.Getenv("GATEKEEPER_OIDC_SCOPES"); v != "" {
		c.OIDCScopes = splitList(v)
	}
	if v := os.Getenv("GATEKEEPER_SESSION_SECRET"); v != "" {
		c.SessionSecret = v
	}
	if v := os.Getenv("GATEKEEPER_SESSION_TTL"); v != "" {
		if d, ok := parseMinutes(v, "GATEKEEPER_SESSION_TTL", &parseErrors); ok {
			c.SessionTTL = d
		}
	}
	if v := os.Getenv("GATEKEEPER_LOGIN_STATE_TTL"); v != "" {
		if d, ok := parseMinutes(v, "GATEKEEPER_LOGIN_STATE_TTL", &parseErrors); ok {
			c.LoginStateTTL = d
		}
	}
	if v := os.Getenv("GATEKEEPER_ON_AUTH_REQUIRED"); v != "" {
		c.OnAuthRequired = strings.ToLower(v)
	}

	// Login rate limiting
	if v := os.Getenv("GATEKEEPER_LOGIN_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "GATEKEEPER_LOGIN_RATE_LIMIT",
				Message: fmt.Sprintf("invalid rate limit: %q (must be a number)", v),
			})
		} else if r < 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "GATEKEEPER_LOGIN_RATE_LIMIT",
				Message: fmt.Sprintf("rate limit must be non-negative: %v", r),
			})
		} else {
			c.LoginRateLimit = r
		}
	}
	if v := os.Getenv("GATEKEEPER_LOGIN_BURST"); v != "" {
		b, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "GATEKEEPER_LOGIN_BURST",
				Message: fmt.Sprintf("invalid burst: %q (must be an integer)", v),
			})
		} else {
			c.LoginBurst = b
		}
	}
	if v := os.Getenv("GATEKEEPER_SECURE_COOKIES"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "GATEKEEPER_SECURE_COOKIES",
				Message: fmt.Sprintf("invalid boolean: %q", v),
			})
		} else {
			c.SecureCookies = secure
		}
	}

	// Logging
	if v := os.Getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "GATEKEEPER_LOG_LEVEL",
				Message: fmt.Sprintf("invalid log level: %q (must be debug, info, warn or error)", v),
			})
		}
	}
	if v := os.Getenv("GATEKEEPER_LOG_FORMAT"); v != "" {
		c.LogFormat = strings.ToLower(v)
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// parseMinutes parses a positive integer number of minutes.
func parseMinutes(v, field string, errs *ValidationErrors) (time.Duration, bool) {
	minutes, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %q (must be an integer representing minutes)", v),
		})
		return 0, false
	}
	if minutes <= 0 {
		*errs = append(*errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("duration must be positive: %d", minutes),
		})
		return 0, false
	}
	return time.Duration(minutes) * time.Minute, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "GATEKEEPER_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	switch c.DBType {
	case "sqlite":
		if c.DB == "" {
			errs = append(errs, ValidationError{
				Field:   "GATEKEEPER_DB",
				Message: "database path cannot be empty",
			})
		}
	case "postgres":
		if c.DBDSN == "" {
			errs = append(errs, ValidationError{
				Field:   "GATEKEEPER_DB_DSN",
				Message: "PostgreSQL requires GATEKEEPER_DB_DSN",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "GATEKEEPER_DB_TYPE",
			Message: fmt.Sprintf("unsupported database type: %q (must be \"sqlite\" or \"postgres\")", c.DBType),
		})
	}

	switch c.AuthProvider {
	case AuthProviderOIDC:
		required := []struct{ field, value string }{
			{"GATEKEEPER_OIDC_ISSUER", c.OIDCIssuer},
			{"GATEKEEPER_OIDC_CLIENT_ID", c.OIDCClientID},
			{"GATEKEEPER_OIDC_CLIENT_SECRET", c.OIDCClientSecret},
			{"GATEKEEPER_OIDC_REDIRECT_URL", c.OIDCRedirectURL},
		}
		for _, r := range required {
			if r.value == "" {
				errs = append(errs, ValidationError{
					Field:   r.field,
					Message: "required when GATEKEEPER_AUTH_PROVIDER is \"oidc\"",
				})
			}
		}
		if len(c.SessionSecret) < MinSessionSecretLength {
			errs = append(errs, ValidationError{
				Field:   "GATEKEEPER_SESSION_SECRET",
				Message: fmt.Sprintf("must be at least %d characters", MinSessionSecretLength),
			})
		}
	case AuthProviderNoop:
	default:
		errs = append(errs, ValidationError{
			Field:   "GATEKEEPER_AUTH_PROVIDER",
			Message: fmt.Sprintf("unsupported auth provider: %q (must be \"oidc\" or \"noop\")", c.AuthProvider),
		})
	}

	switch c.OnAuthRequired {
	case "", OnAuthRequiredRedirect, OnAuthRequiredLoginPage, OnAuthRequiredUnauthorized:
	default:
		errs = append(errs, ValidationError{
			Field:   "GATEKEEPER_ON_AUTH_REQUIRED",
			Message: fmt.Sprintf("unsupported mode: %q (must be \"redirect\", \"login_page\" or \"unauthorized\")", c.OnAuthRequired),
		})
	}

	if c.LoginRateLimit > 0 && c.LoginBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "GATEKEEPER_LOGIN_BURST",
			Message: "burst must be at least 1 when rate limiting is enabled",
		})
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "GATEKEEPER_LOG_FORMAT",
			Message: fmt.Sprintf("unsupported log format: %q (must be \"text\" or \"json\")", c.LogFormat),
		})
	}

	return errs
}

// DSN returns the database connection string based on the configured database type.
func (c *Config) DSN() string {
	if c.DBType == "postgres" {
		return c.DBDSN
	}
	return c.DB
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// GuardConfig builds the immutable guard configuration. onAuthRequired is the
// global recovery callback selected for c.OnAuthRequired; nil keeps the
// default sign-in redirect.
func (c *Config) GuardConfig(onAuthRequired guard.OnAuthRequiredFunc) *guard.Config {
	scopes := make([]string, len(c.OIDCScopes))
	copy(scopes, c.OIDCScopes)
	return &guard.Config{
		Issuer:         c.OIDCIssuer,
		ClientID:       c.OIDCClientID,
		RedirectURI:    c.OIDCRedirectURL,
		Scopes:         scopes,
		OnAuthRequired: onAuthRequired,
	}
}

// NewLogger builds the process logger from the logging settings.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// LoadWithFlags loads configuration from environment variables,
// then applies command-line flag overrides.
func LoadWithFlags(port int, db string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Apply flag overrides (only if non-default values provided)
	if port != 0 && port != DefaultPort {
		cfg.Port = port
	}
	if db != "" && db != DefaultDBPath {
		cfg.DB = db
	}

	// Re-validate after applying overrides
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
