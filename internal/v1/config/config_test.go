package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DEBUG", "GO_ENV", "LOG_LEVEL", "STATIC_DIR",
		"SPACES_CONFIG", "ROBOT_SECRETS_DIR", "ALLOWED_ORIGINS",
		"TRACING_ENABLED", "OTLP_COLLECTOR_ADDR",
		"RATE_LIMIT_API_PUBLIC", "RATE_LIMIT_WS_IP",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5080", cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "static", cfg.StaticDir)
	assert.Equal(t, "portalbot_spaces.yml", cfg.SpacesPath)
	assert.Equal(t, "robot_secrets", cfg.SecretsDir)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, "300-M", cfg.RateLimitAPIPublic)
	assert.Equal(t, "60-M", cfg.RateLimitWsIP)
}

func TestLoad_InvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "notaport")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoad_TracingAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:4317", cfg.OTLPAddr)

	t.Setenv("OTLP_COLLECTOR_ADDR", "collector:4317")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "collector:4317", cfg.OTLPAddr)

	t.Setenv("OTLP_COLLECTOR_ADDR", "not-an-addr")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTLP_COLLECTOR_ADDR")
}

func TestAllowedOriginList(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	cfg := &Config{}
	assert.Equal(t, defaults, cfg.AllowedOriginList(defaults))

	cfg.AllowedOrigins = "https://a.example.com, https://b.example.com ,"
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		cfg.AllowedOriginList(defaults))

	cfg.AllowedOrigins = " , "
	assert.Equal(t, defaults, cfg.AllowedOriginList(defaults))
}
