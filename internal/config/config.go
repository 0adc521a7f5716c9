// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/halfduplex/internal/backoff"
	"github.com/ashureev/halfduplex/internal/strategy"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level
	Bot         BotConfig
	Retry       backoff.Policy
	// RequestTimeout bounds each attempt until response headers arrive.
	RequestTimeout    time.Duration
	Transcript        TranscriptConfig
	WSMaxMessageBytes int64
}

// BotConfig locates the published bot and controls the start call.
type BotConfig struct {
	EnvironmentURL             string
	Schema                     string
	Token                      string
	Transport                  strategy.Transport
	Locale                     string
	EmitStartConversationEvent bool
}

// TranscriptConfig controls the SQLite transcript ledger.
type TranscriptConfig struct {
	Enabled bool
	TTL     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	transport, err := strategy.ParseTransport(getEnv("BOT_TRANSPORT", string(strategy.TransportAuto)))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: BOT_TRANSPORT: %w", err)
	}

	// RETRY_COUNT bounds total attempts; 0 and 1 both mean a single attempt.
	retries := getEnvInt("RETRY_COUNT", backoff.DefaultRetries)
	if retries == 0 {
		retries = backoff.NoRetries
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/transcripts.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Bot: BotConfig{
			EnvironmentURL:             getEnv("BOT_ENVIRONMENT_URL", ""),
			Schema:                     getEnv("BOT_SCHEMA", ""),
			Token:                      getEnv("BOT_TOKEN", ""),
			Transport:                  transport,
			Locale:                     getEnv("BOT_LOCALE", ""),
			EmitStartConversationEvent: getEnvBool("BOT_EMIT_START_EVENT", true),
		},
		Retry: backoff.Policy{
			Factor:     getEnvFloat("RETRY_FACTOR", 2),
			MinTimeout: getEnvDuration("RETRY_MIN_TIMEOUT", time.Second),
			MaxTimeout: getEnvDuration("RETRY_MAX_TIMEOUT", time.Duration(math.MaxInt64)),
			Randomize:  getEnvBool("RETRY_RANDOMIZE", false),
			Retries:    retries,
		},
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		Transcript: TranscriptConfig{
			Enabled: getEnvBool("TRANSCRIPT_ENABLED", true),
			TTL:     getEnvDuration("TRANSCRIPT_TTL", 7*24*time.Hour),
		},
		WSMaxMessageBytes: int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 64*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Transcript.Enabled && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Bot.EnvironmentURL == "" {
		return fmt.Errorf("BOT_ENVIRONMENT_URL cannot be empty")
	}
	if u, err := url.Parse(c.Bot.EnvironmentURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BOT_ENVIRONMENT_URL must be an absolute URL")
	}
	if c.Bot.Schema == "" {
		return fmt.Errorf("BOT_SCHEMA cannot be empty")
	}
	if c.Bot.Token == "" {
		return fmt.Errorf("BOT_TOKEN cannot be empty")
	}
	if c.Retry.Factor <= 0 {
		return fmt.Errorf("RETRY_FACTOR must be > 0")
	}
	if c.Retry.MinTimeout < 0 {
		return fmt.Errorf("RETRY_MIN_TIMEOUT must be >= 0")
	}
	if c.Retry.MaxTimeout < c.Retry.MinTimeout {
		return fmt.Errorf("RETRY_MAX_TIMEOUT must be >= RETRY_MIN_TIMEOUT")
	}
	if c.Retry.Retries < backoff.NoRetries {
		return fmt.Errorf("RETRY_COUNT must be >= 0")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be >= 0")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the relay.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
