/**
 * Configuration for the SnapText OCR worker
 *
 * Loads configuration from environment variables. The CLI can layer a YAML
 * file underneath the same variables (see file.go); the variables always win.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/snaptext/ocr-worker/internal/ocr"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration (queue intake + job tracker)
	RedisURL  string
	QueueName string

	// PostgreSQL configuration; empty keeps history in memory only
	DatabaseURL string

	// Admin HTTP API listen address; empty disables the API
	HTTPAddr string

	// Worker configuration
	WorkerConcurrency   int
	BulkConcurrency     int
	ProcessingTimeoutMs int

	// Recognition policy
	DefaultBackend        string
	Languages             []string
	ConfidenceThreshold   float64
	MaxRetries            int
	InitialBackoffMs      int
	MaxBackoffMs          int
	RequestTimeoutSeconds int
	FallbackEnabled       bool
	RemoteConfidence      float64

	// History store
	HistoryCapacity int

	// Remote backend credentials
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIEndpoint string

	AnthropicAPIKey   string
	AnthropicModel    string
	AnthropicEndpoint string

	GeminiAPIKey   string
	GeminiModel    string
	GeminiEndpoint string

	GrokAPIKey   string
	GrokModel    string
	GrokEndpoint string

	// Image fetcher
	FetchMaxRetries int
	FetchMaxBytes   int64

	// Export sink webhook; empty disables export delivery
	ExportWebhookURL string
	ExportAuthToken  string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:              getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:           getEnvOrDefault("DATABASE_URL", ""),
		HTTPAddr:              getEnvOrDefault("HTTP_ADDR", ":8090"),
		WorkerConcurrency:     getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		BulkConcurrency:       getEnvAsIntOrDefault("BULK_CONCURRENCY", 4),
		ProcessingTimeoutMs:   getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 1800000), // 30 minutes
		QueueName:             getEnvOrDefault("QUEUE_NAME", "ocr"),
		DefaultBackend:        getEnvOrDefault("OCR_DEFAULT_BACKEND", "tesseract"),
		Languages:             splitCSV(getEnvOrDefault("OCR_LANGUAGES", "eng")),
		ConfidenceThreshold:   getEnvAsFloatOrDefault("OCR_CONFIDENCE_THRESHOLD", 0.5),
		MaxRetries:            getEnvAsIntOrDefault("OCR_MAX_RETRIES", 3),
		InitialBackoffMs:      getEnvAsIntOrDefault("OCR_INITIAL_BACKOFF_MS", 1000),
		MaxBackoffMs:          getEnvAsIntOrDefault("OCR_MAX_BACKOFF_MS", 30000),
		RequestTimeoutSeconds: getEnvAsIntOrDefault("OCR_REQUEST_TIMEOUT_SECONDS", 60),
		FallbackEnabled:       getEnvAsBoolOrDefault("OCR_FALLBACK_ENABLED", true),
		RemoteConfidence:      getEnvAsFloatOrDefault("OCR_REMOTE_CONFIDENCE", 0.9),
		HistoryCapacity:       getEnvAsIntOrDefault("HISTORY_CAPACITY", 100),
		OpenAIAPIKey:          getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnvOrDefault("OPENAI_MODEL", "gpt-4o"),
		OpenAIEndpoint:        getEnvOrDefault("OPENAI_ENDPOINT", "https://api.openai.com/v1"),
		AnthropicAPIKey:       getEnvOrDefault("ANTHROPIC_API_KEY", ""),
		AnthropicModel:        getEnvOrDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		AnthropicEndpoint:     getEnvOrDefault("ANTHROPIC_ENDPOINT", "https://api.anthropic.com"),
		GeminiAPIKey:          getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:           getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiEndpoint:        getEnvOrDefault("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com"),
		GrokAPIKey:            getEnvOrDefault("GROK_API_KEY", ""),
		GrokModel:             getEnvOrDefault("GROK_MODEL", "grok-2-vision-1212"),
		GrokEndpoint:          getEnvOrDefault("GROK_ENDPOINT", "https://api.x.ai/v1"),
		FetchMaxRetries:       getEnvAsIntOrDefault("FETCH_MAX_RETRIES", 5),
		FetchMaxBytes:         getEnvAsInt64OrDefault("FETCH_MAX_BYTES", 104857600), // 100MB
		ExportWebhookURL:      getEnvOrDefault("EXPORT_WEBHOOK_URL", ""),
		ExportAuthToken:       getEnvOrDefault("EXPORT_AUTH_TOKEN", ""),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:             getEnvOrDefault("LOG_FORMAT", "json"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.BulkConcurrency < 1 || c.BulkConcurrency > 100 {
		return fmt.Errorf("BULK_CONCURRENCY must be between 1 and 100, got %d", c.BulkConcurrency)
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("OCR_CONFIDENCE_THRESHOLD must be between 0 and 1, got %f", c.ConfidenceThreshold)
	}

	if c.RemoteConfidence < 0 || c.RemoteConfidence > 1 {
		return fmt.Errorf("OCR_REMOTE_CONFIDENCE must be between 0 and 1, got %f", c.RemoteConfidence)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("OCR_MAX_RETRIES must be between 0 and 10, got %d", c.MaxRetries)
	}

	if c.InitialBackoffMs < 1 || c.MaxBackoffMs < c.InitialBackoffMs {
		return fmt.Errorf("backoff window invalid: initial=%dms max=%dms", c.InitialBackoffMs, c.MaxBackoffMs)
	}

	if c.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("OCR_REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeoutSeconds)
	}

	if c.ProcessingTimeoutMs < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeoutMs)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME must not be empty")
	}

	if c.HistoryCapacity < 1 {
		return fmt.Errorf("HISTORY_CAPACITY must be at least 1, got %d", c.HistoryCapacity)
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("OCR_LANGUAGES must name at least one language")
	}

	kind, err := ocr.ParseBackendKind(c.DefaultBackend)
	if err != nil {
		return fmt.Errorf("OCR_DEFAULT_BACKEND: %w", err)
	}

	if kind.IsRemote() && c.apiKeyFor(kind) == "" {
		return fmt.Errorf("OCR_DEFAULT_BACKEND %s requires its API key to be set", kind)
	}

	return nil
}

// BackendConfigs materializes one BackendConfig per usable backend: the
// on-device engine always, each remote provider only when its key is present.
func (c *Config) BackendConfigs() []ocr.BackendConfig {
	timeout := time.Duration(c.RequestTimeoutSeconds) * time.Second

	configs := []ocr.BackendConfig{
		{
			Kind:      ocr.KindTesseract,
			Timeout:   timeout,
			Languages: append([]string(nil), c.Languages...),
		},
	}

	remote := []struct {
		kind     ocr.BackendKind
		key      string
		model    string
		endpoint string
	}{
		{ocr.KindOpenAI, c.OpenAIAPIKey, c.OpenAIModel, c.OpenAIEndpoint},
		{ocr.KindAnthropic, c.AnthropicAPIKey, c.AnthropicModel, c.AnthropicEndpoint},
		{ocr.KindGemini, c.GeminiAPIKey, c.GeminiModel, c.GeminiEndpoint},
		{ocr.KindGrok, c.GrokAPIKey, c.GrokModel, c.GrokEndpoint},
	}

	for _, r := range remote {
		if r.key == "" {
			continue
		}
		configs = append(configs, ocr.BackendConfig{
			Kind:                r.kind,
			APIKey:              r.key,
			Model:               r.model,
			Endpoint:            r.endpoint,
			Timeout:             timeout,
			HeuristicConfidence: c.RemoteConfidence,
			Languages:           append([]string(nil), c.Languages...),
		})
	}

	return configs
}

func (c *Config) apiKeyFor(kind ocr.BackendKind) string {
	switch kind {
	case ocr.KindOpenAI:
		return c.OpenAIAPIKey
	case ocr.KindAnthropic:
		return c.AnthropicAPIKey
	case ocr.KindGemini:
		return c.GeminiAPIKey
	case ocr.KindGrok:
		return c.GrokAPIKey
	default:
		return ""
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
