/**
 * Configuration for the Image Translation Worker
 *
 * Loads process configuration from environment variables (optionally seeded
 * from .env.nexus) and user-facing pipeline settings from a YAML file.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL  string
	QueueName string
	QueueMode string // "list" (plain Redis list) or "asynq"

	// PostgreSQL configuration (optional, persistence is disabled when empty)
	DatabaseURL string

	// Translation provider credentials, tried in order
	GeminiAPIKeys []string
	OpenAIAPIKeys []string
	DeepLAPIKeys  []string

	// Endpoint overrides, mostly for testing
	OpenAIBaseURL string
	DeepLBaseURL  string

	// Pipeline settings file (YAML)
	SettingsFile string

	// Tesseract configuration
	TesseractLanguages []string

	// Worker configuration
	ProcessingTimeout int // milliseconds
	MaxRetries        int
	CacheTTLSeconds   int

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(os.LookupEnv)
}

// LoadConfigFrom loads configuration through lookup so tests can inject values
func LoadConfigFrom(lookup func(string) (string, bool)) (*Config, error) {
	env := envReader{lookup: lookup}
	cfg := &Config{
		RedisURL:           env.stringOr("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:          env.stringOr("QUEUE_NAME", "imagetranslate:jobs"),
		QueueMode:          env.stringOr("QUEUE_MODE", "list"),
		DatabaseURL:        env.stringOr("DATABASE_URL", ""),
		GeminiAPIKeys:      env.listOr("GEMINI_API_KEYS", nil),
		OpenAIAPIKeys:      env.listOr("OPENAI_API_KEYS", nil),
		DeepLAPIKeys:       env.listOr("DEEPL_API_KEYS", nil),
		OpenAIBaseURL:      env.stringOr("OPENAI_BASE_URL", "https://api.openai.com"),
		DeepLBaseURL:       env.stringOr("DEEPL_BASE_URL", "https://api-free.deepl.com"),
		SettingsFile:       env.stringOr("SETTINGS_FILE", ""),
		TesseractLanguages: env.listOr("TESSERACT_LANGUAGES", []string{"eng", "jpn", "chi_sim", "kor"}),
		ProcessingTimeout:  env.intOr("PROCESSING_TIMEOUT", 120000), // 2 minutes
		MaxRetries:         env.intOr("MAX_RETRIES", 3),
		CacheTTLSeconds:    env.intOr("CACHE_TTL_SECONDS", 3600),
		LogLevel:           env.stringOr("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.QueueMode != "list" && c.QueueMode != "asynq" {
		return fmt.Errorf("QUEUE_MODE must be list or asynq, got %q", c.QueueMode)
	}

	if c.ProcessingTimeout < 1000 || c.ProcessingTimeout > 3600000 { // 1s to 1h
		return fmt.Errorf("PROCESSING_TIMEOUT must be between 1000 and 3600000 ms, got %d", c.ProcessingTimeout)
	}

	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 1 and 10, got %d", c.MaxRetries)
	}

	return nil
}

// KeysFor returns the credential list for a provider name
func (c *Config) KeysFor(provider string) []string {
	switch {
	case strings.HasPrefix(provider, "gemini"):
		return c.GeminiAPIKeys
	case provider == "openai":
		return c.OpenAIAPIKeys
	case provider == "deepl":
		return c.DeepLAPIKeys
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
}

// stringOr gets environment variable or returns default
func (e envReader) stringOr(key, defaultValue string) string {
	if value, ok := e.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// intOr gets environment variable as int or returns default
func (e envReader) intOr(key string, defaultValue int) int {
	valueStr := e.stringOr(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// listOr splits a comma separated variable, dropping blanks
func (e envReader) listOr(key string, defaultValue []string) []string {
	valueStr := e.stringOr(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
