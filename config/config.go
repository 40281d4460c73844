// Package config loads the orchestrator's environment-driven configuration,
// following the teacher pack's dotenv-then-os.Getenv convention
// (kadirpekel-hector's pkg/config/env.go) rather than a generic struct-tag
// binder, since every option here is a flat scalar with a sane default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Provider identifies the configured LLM backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderCustom    Provider = "custom"
)

// Config is the orchestrator's full runtime configuration, sourced from
// environment variables (optionally loaded from a .env file first).
type Config struct {
	LLMProvider Provider

	OpenAIModel    string
	AnthropicModel string
	GoogleModel    string
	CustomModel    string
	CustomBaseURL  string

	RedisURL    string
	DatabaseURL string

	MaxClarifyTurns int
	AnswerMaxTokens int
	FreepassMaxTokens int

	RequestTimeout time.Duration
	StreamBlock    time.Duration
	StreamTrimLen  int64

	HTTPAddr string
}

// LoadEnvFiles loads ".env.local" then ".env" into the process environment,
// ignoring a missing file but surfacing any other read/parse error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// FromEnv builds a Config from the process environment, applying the
// defaults enumerated in the external-interfaces configuration table.
func FromEnv() (*Config, error) {
	cfg := &Config{
		LLMProvider:       Provider(getString("LLM_PROVIDER", string(ProviderAnthropic))),
		OpenAIModel:       getString("OPENAI_MODEL", "gpt-4o"),
		AnthropicModel:    getString("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
		GoogleModel:       getString("GOOGLE_MODEL", ""),
		CustomModel:       getString("CUSTOM_MODEL", ""),
		CustomBaseURL:     getString("CUSTOM_BASE_URL", ""),
		RedisURL:          getString("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:       getString("DATABASE_URL", ""),
		MaxClarifyTurns:   getInt("MAX_CLARIFY_TURNS", 3),
		AnswerMaxTokens:   getInt("ANSWER_MAX_TOKENS", 2000),
		FreepassMaxTokens: getInt("FREEPASS_MAX_TOKENS", 4000),
		RequestTimeout:    time.Duration(getInt("REQUEST_TIMEOUT_SECONDS", 120)) * time.Second,
		StreamBlock:       time.Duration(getInt("STREAM_BLOCK_MS", 1000)) * time.Millisecond,
		StreamTrimLen:     int64(getInt("STREAM_TRIM_MAXLEN", 10000)),
		HTTPAddr:          getString("HTTP_ADDR", ":8080"),
	}
	switch cfg.LLMProvider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderCustom:
	default:
		return nil, fmt.Errorf("config: unsupported LLM_PROVIDER %q", cfg.LLMProvider)
	}
	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
