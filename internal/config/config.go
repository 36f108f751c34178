package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogPretty bool

	StoreURL         string
	StoreKey         string
	StoreSaveTimeout time.Duration
	StoreTimezone    string
	RetentionDays    int

	CompletionMode         string
	OpenAIAPIKey           string
	OpenAIBaseURL          string
	OpenAIModel            string
	CompletionMaxTokens    int
	CompletionInstructions string
	CompletionHTTPURL      string
	CompletionTimeout      time.Duration
	CompletionRetries      int
	CompletionRetryBase    time.Duration
	CompletionRetryCap     time.Duration

	DispatchQueueSize int

	VoiceLocale              string
	VoiceNoSpeechTimeout     time.Duration
	VoiceContinuationTimeout time.Duration
	TTSRate                  float64
	TTSPitch                 float64

	ContentFile string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "chatsession"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		StoreURL:         stringsTrimSpace("STORE_URL"),
		// Matches the key the mobile client historically wrote.
		StoreKey:       envOrDefault("STORE_KEY", "messageGroups"),
		StoreTimezone:  stringsTrimSpace("STORE_TIMEZONE"),
		CompletionMode: envOrDefault("COMPLETION_MODE", "auto"),
		OpenAIAPIKey:   stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:  envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:    envOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
		// Empty instructions reproduce the app's blank system turn.
		CompletionInstructions: os.Getenv("COMPLETION_INSTRUCTIONS"),
		CompletionHTTPURL:      stringsTrimSpace("COMPLETION_HTTP_URL"),
		ContentFile:            stringsTrimSpace("CONTENT_FILE"),
		VoiceLocale:            envOrDefault("VOICE_LOCALE", "ko-KR"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		StoreSaveTimeout:         5 * time.Second,
		RetentionDays:            2,
		CompletionMaxTokens:      256,
		CompletionTimeout:        30 * time.Second,
		CompletionRetries:        2,
		CompletionRetryBase:      250 * time.Millisecond,
		CompletionRetryCap:       2 * time.Second,
		DispatchQueueSize:        16,
		VoiceNoSpeechTimeout:     7 * time.Second,
		VoiceContinuationTimeout: 2 * time.Second,
		TTSRate:                  0.52,
		TTSPitch:                 1.0,
	}

	var err error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"STORE_SAVE_TIMEOUT", &cfg.StoreSaveTimeout},
		{"COMPLETION_TIMEOUT", &cfg.CompletionTimeout},
		{"COMPLETION_RETRY_BASE", &cfg.CompletionRetryBase},
		{"COMPLETION_RETRY_CAP", &cfg.CompletionRetryCap},
		{"VOICE_NO_SPEECH_TIMEOUT", &cfg.VoiceNoSpeechTimeout},
		{"VOICE_CONTINUATION_TIMEOUT", &cfg.VoiceContinuationTimeout},
	} {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	for _, n := range []struct {
		key string
		dst *int
	}{
		{"RETENTION_DAYS", &cfg.RetentionDays},
		{"COMPLETION_MAX_TOKENS", &cfg.CompletionMaxTokens},
		{"COMPLETION_RETRIES", &cfg.CompletionRetries},
		{"DISPATCH_QUEUE_SIZE", &cfg.DispatchQueueSize},
	} {
		*n.dst, err = intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSRate, err = floatFromEnv("TTS_RATE", cfg.TTSRate)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSPitch, err = floatFromEnv("TTS_PITCH", cfg.TTSPitch)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must be >= 0")
	}
	if strings.TrimSpace(c.StoreKey) == "" {
		return fmt.Errorf("STORE_KEY must not be empty")
	}
	if c.StoreTimezone != "" {
		if _, err := time.LoadLocation(c.StoreTimezone); err != nil {
			return fmt.Errorf("STORE_TIMEZONE parse error: %w", err)
		}
	}
	if c.CompletionMaxTokens < 0 {
		return fmt.Errorf("COMPLETION_MAX_TOKENS must be >= 0")
	}
	if c.CompletionRetries < 0 {
		return fmt.Errorf("COMPLETION_RETRIES must be >= 0")
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be positive")
	}
	if c.DispatchQueueSize <= 0 {
		return fmt.Errorf("DISPATCH_QUEUE_SIZE must be positive")
	}
	if c.VoiceNoSpeechTimeout <= 0 || c.VoiceContinuationTimeout <= 0 {
		return fmt.Errorf("voice timeouts must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error")
	}
	return nil
}

// Location resolves StoreTimezone, defaulting to the process local zone.
func (c Config) Location() *time.Location {
	if c.StoreTimezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.StoreTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
