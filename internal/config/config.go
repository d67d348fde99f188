package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Transcript fallback policies applied when pronunciation scoring fails.
const (
	FallbackPlaceholder = "placeholder"
	FallbackTranscribe  = "transcribe"
)

// Provider names.
const (
	ProviderDashScope = "dashscope"
	ProviderAzure     = "azure"
	ProviderGemini    = "gemini"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Host     string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"SERVER_HTTP_PORT" default:"3000"`

	Environment string `envconfig:"SERVER_ENV" default:"development"`

	// Timeouts. WriteTimeout must outlast the scoring ceiling.
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"180s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Uploads
	MaxUploadBytes int64  `envconfig:"MAX_UPLOAD_BYTES" default:"26214400"`
	TempDir        string `envconfig:"TEMP_DIR"`

	// Transcoding
	FFmpegPath         string `envconfig:"FFMPEG_PATH"`
	FFmpegFallbackName string `envconfig:"FFMPEG_FALLBACK_NAME" default:"ffmpeg"`

	// Scoring engine
	ScoringCommand       string        `envconfig:"SCORING_COMMAND" default:"python"`
	ScoringScript        string        `envconfig:"SCORING_SCRIPT" default:"python/score.py"`
	ScoringReferenceFlag string        `envconfig:"SCORING_REFERENCE_FLAG" default:"--ref_text"`
	ScoringTimeout       time.Duration `envconfig:"SCORING_TIMEOUT" default:"120s"`
	ScoringKillGrace     time.Duration `envconfig:"SCORING_KILL_GRACE" default:"2s"`

	// Pipeline policy
	TranscriptFallback string `envconfig:"TRANSCRIPT_FALLBACK" default:"placeholder"`

	// Providers
	TranscriptionProvider string        `envconfig:"TRANSCRIPTION_PROVIDER" default:"dashscope"`
	TranscriptionModel    string        `envconfig:"TRANSCRIPTION_MODEL" default:"sensevoice-v1"`
	TranscriptionLanguage string        `envconfig:"TRANSCRIPTION_LANGUAGE" default:"en"`
	EvaluationProvider    string        `envconfig:"EVALUATION_PROVIDER" default:"dashscope"`
	EvaluationModel       string        `envconfig:"EVALUATION_MODEL" default:"qwen-plus"`
	ProviderTimeout       time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"60s"`

	// DashScope (OpenAI-compatible mode)
	DashScopeAPIKey  string `envconfig:"DASHSCOPE_API_KEY"`
	DashScopeBaseURL string `envconfig:"DASHSCOPE_BASE_URL" default:"https://dashscope.aliyuncs.com/compatible-mode/v1"`

	// Azure OpenAI
	AzureWhisperEndpoint    string `envconfig:"AZURE_WHISPER_ENDPOINT"`
	AzureWhisperKey         string `envconfig:"AZURE_WHISPER_KEY"`
	AzureOpenAIChatEndpoint string `envconfig:"AZURE_OPENAI_CHAT_ENDPOINT"`
	AzureOpenAIChatKey      string `envconfig:"AZURE_OPENAI_CHAT_KEY"`

	// Gemini
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	// Metrics
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	// CORS
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	CORSAllowedMethods []string `envconfig:"CORS_ALLOWED_METHODS" default:"GET,POST,OPTIONS"`
	CORSAllowedHeaders []string `envconfig:"CORS_ALLOWED_HEADERS" default:"Accept,Content-Type,X-Request-ID"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.TranscriptFallback {
	case FallbackPlaceholder, FallbackTranscribe:
	default:
		return fmt.Errorf("invalid TRANSCRIPT_FALLBACK %q (want %q or %q)", c.TranscriptFallback, FallbackPlaceholder, FallbackTranscribe)
	}

	switch c.TranscriptionProvider {
	case ProviderDashScope, ProviderAzure:
	default:
		return fmt.Errorf("invalid TRANSCRIPTION_PROVIDER %q", c.TranscriptionProvider)
	}

	switch c.EvaluationProvider {
	case ProviderDashScope, ProviderAzure, ProviderGemini:
	default:
		return fmt.Errorf("invalid EVALUATION_PROVIDER %q", c.EvaluationProvider)
	}

	if c.ScoringCommand == "" {
		return fmt.Errorf("SCORING_COMMAND must not be empty")
	}
	if c.ScoringTimeout <= 0 {
		return fmt.Errorf("SCORING_TIMEOUT must be positive, got %s", c.ScoringTimeout)
	}
	if c.ScoringKillGrace < 0 {
		return fmt.Errorf("SCORING_KILL_GRACE must not be negative, got %s", c.ScoringKillGrace)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive, got %s", c.ProviderTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

// HTTPAddress returns the HTTP server address.
func (c *Config) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
