/**
 * File-based configuration for the snapocr CLI
 *
 * Reads snapocr.yaml (working directory or ~/.config/snapocr) underneath the
 * same variables the worker uses; environment values always override file
 * values, so a shell export behaves identically for both binaries.
 */

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type fileConfig struct {
	RedisURL              string  `mapstructure:"redis_url"`
	QueueName             string  `mapstructure:"queue_name"`
	DatabaseURL           string  `mapstructure:"database_url"`
	HTTPAddr              string  `mapstructure:"http_addr"`
	WorkerConcurrency     int     `mapstructure:"worker_concurrency"`
	BulkConcurrency       int     `mapstructure:"bulk_concurrency"`
	ProcessingTimeoutMs   int     `mapstructure:"processing_timeout"`
	DefaultBackend        string  `mapstructure:"ocr_default_backend"`
	Languages             string  `mapstructure:"ocr_languages"`
	ConfidenceThreshold   float64 `mapstructure:"ocr_confidence_threshold"`
	MaxRetries            int     `mapstructure:"ocr_max_retries"`
	InitialBackoffMs      int     `mapstructure:"ocr_initial_backoff_ms"`
	MaxBackoffMs          int     `mapstructure:"ocr_max_backoff_ms"`
	RequestTimeoutSeconds int     `mapstructure:"ocr_request_timeout_seconds"`
	FallbackEnabled       bool    `mapstructure:"ocr_fallback_enabled"`
	RemoteConfidence      float64 `mapstructure:"ocr_remote_confidence"`
	HistoryCapacity       int     `mapstructure:"history_capacity"`
	OpenAIAPIKey          string  `mapstructure:"openai_api_key"`
	OpenAIModel           string  `mapstructure:"openai_model"`
	OpenAIEndpoint        string  `mapstructure:"openai_endpoint"`
	AnthropicAPIKey       string  `mapstructure:"anthropic_api_key"`
	AnthropicModel        string  `mapstructure:"anthropic_model"`
	AnthropicEndpoint     string  `mapstructure:"anthropic_endpoint"`
	GeminiAPIKey          string  `mapstructure:"gemini_api_key"`
	GeminiModel           string  `mapstructure:"gemini_model"`
	GeminiEndpoint        string  `mapstructure:"gemini_endpoint"`
	GrokAPIKey            string  `mapstructure:"grok_api_key"`
	GrokModel             string  `mapstructure:"grok_model"`
	GrokEndpoint          string  `mapstructure:"grok_endpoint"`
	FetchMaxRetries       int     `mapstructure:"fetch_max_retries"`
	FetchMaxBytes         int64   `mapstructure:"fetch_max_bytes"`
	ExportWebhookURL      string  `mapstructure:"export_webhook_url"`
	ExportAuthToken       string  `mapstructure:"export_auth_token"`
	LogLevel              string  `mapstructure:"log_level"`
	LogFormat             string  `mapstructure:"log_format"`
}

// LoadFromFile builds a Config from defaults, then the YAML file (when one
// exists), then the environment. path may be empty to use the search paths.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("snapocr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/snapocr")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file falls back to defaults + environment; an explicit
		// path or a malformed file is an error worth surfacing.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &Config{
		RedisURL:              fc.RedisURL,
		QueueName:             fc.QueueName,
		DatabaseURL:           fc.DatabaseURL,
		HTTPAddr:              fc.HTTPAddr,
		WorkerConcurrency:     fc.WorkerConcurrency,
		BulkConcurrency:       fc.BulkConcurrency,
		ProcessingTimeoutMs:   fc.ProcessingTimeoutMs,
		DefaultBackend:        fc.DefaultBackend,
		Languages:             splitCSV(fc.Languages),
		ConfidenceThreshold:   fc.ConfidenceThreshold,
		MaxRetries:            fc.MaxRetries,
		InitialBackoffMs:      fc.InitialBackoffMs,
		MaxBackoffMs:          fc.MaxBackoffMs,
		RequestTimeoutSeconds: fc.RequestTimeoutSeconds,
		FallbackEnabled:       fc.FallbackEnabled,
		RemoteConfidence:      fc.RemoteConfidence,
		HistoryCapacity:       fc.HistoryCapacity,
		OpenAIAPIKey:          fc.OpenAIAPIKey,
		OpenAIModel:           fc.OpenAIModel,
		OpenAIEndpoint:        fc.OpenAIEndpoint,
		AnthropicAPIKey:       fc.AnthropicAPIKey,
		AnthropicModel:        fc.AnthropicModel,
		AnthropicEndpoint:     fc.AnthropicEndpoint,
		GeminiAPIKey:          fc.GeminiAPIKey,
		GeminiModel:           fc.GeminiModel,
		GeminiEndpoint:        fc.GeminiEndpoint,
		GrokAPIKey:            fc.GrokAPIKey,
		GrokModel:             fc.GrokModel,
		GrokEndpoint:          fc.GrokEndpoint,
		FetchMaxRetries:       fc.FetchMaxRetries,
		FetchMaxBytes:         fc.FetchMaxBytes,
		ExportWebhookURL:      fc.ExportWebhookURL,
		ExportAuthToken:       fc.ExportAuthToken,
		LogLevel:              fc.LogLevel,
		LogFormat:             fc.LogFormat,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue_name", "ocr")
	v.SetDefault("database_url", "")
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("bulk_concurrency", 4)
	v.SetDefault("processing_timeout", 1800000)
	v.SetDefault("ocr_default_backend", "tesseract")
	v.SetDefault("ocr_languages", "eng")
	v.SetDefault("ocr_confidence_threshold", 0.5)
	v.SetDefault("ocr_max_retries", 3)
	v.SetDefault("ocr_initial_backoff_ms", 1000)
	v.SetDefault("ocr_max_backoff_ms", 30000)
	v.SetDefault("ocr_request_timeout_seconds", 60)
	v.SetDefault("ocr_fallback_enabled", true)
	v.SetDefault("ocr_remote_confidence", 0.9)
	v.SetDefault("history_capacity", 100)
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_model", "gpt-4o")
	v.SetDefault("openai_endpoint", "https://api.openai.com/v1")
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("anthropic_model", "claude-3-5-sonnet-20241022")
	v.SetDefault("anthropic_endpoint", "https://api.anthropic.com")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", "gemini-1.5-flash")
	v.SetDefault("gemini_endpoint", "https://generativelanguage.googleapis.com")
	v.SetDefault("grok_api_key", "")
	v.SetDefault("grok_model", "grok-2-vision-1212")
	v.SetDefault("grok_endpoint", "https://api.x.ai/v1")
	v.SetDefault("fetch_max_retries", 5)
	v.SetDefault("fetch_max_bytes", int64(104857600))
	v.SetDefault("export_webhook_url", "")
	v.SetDefault("export_auth_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}
