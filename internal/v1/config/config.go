package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	Port       string
	Debug      bool
	GoEnv      string
	LogLevel   string
	StaticDir  string
	SpacesPath string
	SecretsDir string

	AllowedOrigins string

	// Tracing
	TracingEnabled bool
	OTLPAddr       string

	// Rate Limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitAPIPublic string
	RateLimitWsIP      string
}

// Load validates all environment variables and returns a Config object.
// Returns an error if any variable is invalid. Missing optionals fall back
// to defaults; the listen port defaults to 5080.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// PORT (defaults to 5080)
	cfg.Port = getEnvOrDefault("PORT", "5080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// DEBUG flag
	cfg.Debug = strings.EqualFold(os.Getenv("DEBUG"), "true")

	// GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Static assets and configuration files
	cfg.StaticDir = getEnvOrDefault("STATIC_DIR", "static")
	cfg.SpacesPath = getEnvOrDefault("SPACES_CONFIG", "portalbot_spaces.yml")
	cfg.SecretsDir = getEnvOrDefault("ROBOT_SECRETS_DIR", "robot_secrets")

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Tracing (optional)
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	if cfg.TracingEnabled {
		cfg.OTLPAddr = os.Getenv("OTLP_COLLECTOR_ADDR")
		if cfg.OTLPAddr == "" {
			cfg.OTLPAddr = "localhost:4317"
		} else if !isValidHostPort(cfg.OTLPAddr) {
			errs = append(errs, fmt.Sprintf("OTLP_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTLPAddr))
		}
	}

	// Rate Limits (Defaults: M = Minute)
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "300-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
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

	return parts[0] != ""
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// AllowedOriginList splits the configured origins into a slice, falling
// back to the provided defaults when unset.
func (c *Config) AllowedOriginList(defaults []string) []string {
	if c.AllowedOrigins == "" {
		return defaults
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return defaults
	}
	return origins
}
