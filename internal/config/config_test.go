package config

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/halfduplex/internal/backoff"
	"github.com/ashureev/halfduplex/internal/strategy"
)

func setRequired(t *testing.T) {
	t.Setenv("BOT_ENVIRONMENT_URL", "https://env.example.com")
	t.Setenv("BOT_SCHEMA", "8f1e4b7a-2a7c-4d1e-9d55-0f6b2d3c4e5f")
	t.Setenv("BOT_TOKEN", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./data/transcripts.db", cfg.DBPath)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, strategy.TransportAuto, cfg.Bot.Transport)
	assert.True(t, cfg.Bot.EmitStartConversationEvent)
	assert.Equal(t, backoff.Policy{
		Factor:     2,
		MinTimeout: time.Second,
		MaxTimeout: time.Duration(math.MaxInt64),
		Retries:    backoff.DefaultRetries,
	}, cfg.Retry)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.Transcript.Enabled)
	assert.EqualValues(t, 64*1024, cfg.WSMaxMessageBytes)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BOT_TRANSPORT", "rest")
	t.Setenv("BOT_EMIT_START_EVENT", "off")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RETRY_FACTOR", "1.5")
	t.Setenv("RETRY_MIN_TIMEOUT", "250")
	t.Setenv("RETRY_MAX_TIMEOUT", "10s")
	t.Setenv("RETRY_COUNT", "0")
	t.Setenv("FRONTEND_URL", "https://chat.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, strategy.TransportREST, cfg.Bot.Transport)
	assert.False(t, cfg.Bot.EmitStartConversationEvent)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 1.5, cfg.Retry.Factor)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.MinTimeout)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxTimeout)
	assert.Equal(t, backoff.NoRetries, cfg.Retry.Retries)
	assert.Equal(t, 1, cfg.Retry.Attempts())
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.AllowedOrigins())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing url", map[string]string{"BOT_ENVIRONMENT_URL": ""}, "BOT_ENVIRONMENT_URL cannot be empty"},
		{"relative url", map[string]string{"BOT_ENVIRONMENT_URL": "env.example.com"}, "BOT_ENVIRONMENT_URL must be an absolute URL"},
		{"missing token", map[string]string{"BOT_TOKEN": ""}, "BOT_TOKEN cannot be empty"},
		{"bad transport", map[string]string{"BOT_TRANSPORT": "grpc"}, "BOT_TRANSPORT"},
		{"bad factor", map[string]string{"RETRY_FACTOR": "-1"}, "RETRY_FACTOR must be > 0"},
		{"max below min", map[string]string{"RETRY_MIN_TIMEOUT": "5s", "RETRY_MAX_TIMEOUT": "1s"}, "RETRY_MAX_TIMEOUT"},
		{"negative retries", map[string]string{"RETRY_COUNT": "-3"}, "RETRY_COUNT must be >= 0"},
		{"ws limit", map[string]string{"WS_MAX_MESSAGE_BYTES": "0"}, "WS_MAX_MESSAGE_BYTES must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DURATION", "garbage")
	assert.Equal(t, time.Minute, getEnvDuration("X_DURATION", time.Minute))
	t.Setenv("X_DURATION", "1500")
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("X_DURATION", time.Minute))
	t.Setenv("X_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, getEnvDuration("X_DURATION", time.Minute))
}
