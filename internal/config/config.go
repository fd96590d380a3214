package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice pipeline service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Deepgram transcription API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// ElevenLabs realtime TTS configuration
	ElevenLabsAPIKey     string `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsVoiceID    string `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModelID    string `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_turbo_v2_5"`
	ElevenLabsSampleRate int    `envconfig:"ELEVENLABS_SAMPLE_RATE" default:"16000"` // PCM output sample rate in Hz

	// OpenAI configuration (expert resolution + response generation)
	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY" required:"true"`
	GenerateModel  string `envconfig:"GENERATE_MODEL" default:"gpt-4o-mini"`
	ResolverModel  string `envconfig:"RESOLVER_MODEL" default:"gpt-4o-mini"`
	GenerateMaxTok int    `envconfig:"GENERATE_MAX_TOKENS" default:"1024"`

	// Flush policy configuration
	FlushFirstChars  int `envconfig:"FLUSH_FIRST_CHARS" default:"10"`   // First chunk flushes early for fast time-to-first-audio
	FlushStableChars int `envconfig:"FLUSH_STABLE_CHARS" default:"160"` // Subsequent chunks accumulate more text per synthesis request
	FlushMaxWords    int `envconfig:"FLUSH_MAX_WORDS" default:"32"`     // Word-count guard against long chunks of short words
	FlushDebounceMs  int `envconfig:"FLUSH_DEBOUNCE_MS" default:"250"`  // Flush a quiet pending chunk after this delay

	// Turn processing configuration
	TurnTimeoutSeconds  int `envconfig:"TURN_TIMEOUT_SECONDS" default:"120"` // Hard cap on one turn's wall-clock time
	MaxRequestBodyBytes int `envconfig:"MAX_REQUEST_BODY_BYTES" default:"10485760"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that envconfig tags cannot express
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.FlushFirstChars <= 0 || c.FlushStableChars <= 0 {
		return fmt.Errorf("flush thresholds must be positive (first=%d stable=%d)", c.FlushFirstChars, c.FlushStableChars)
	}
	if c.FlushFirstChars > c.FlushStableChars {
		return fmt.Errorf("FLUSH_FIRST_CHARS (%d) must not exceed FLUSH_STABLE_CHARS (%d)", c.FlushFirstChars, c.FlushStableChars)
	}
	if c.FlushMaxWords <= 0 {
		return fmt.Errorf("FLUSH_MAX_WORDS must be positive")
	}
	if c.ElevenLabsSampleRate <= 0 {
		return fmt.Errorf("ELEVENLABS_SAMPLE_RATE must be positive")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
