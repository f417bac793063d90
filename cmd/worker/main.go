/**
 * SnapText OCR Worker - Main Entry Point
 *
 * Queue-driven worker for bulk text recognition.
 *
 * Architecture:
 * - Asynq consumer for Redis-backed bulk OCR jobs
 * - Recognition orchestrator with retry, exponential backoff, and on-device
 *   fallback when remote backends fail or come back under the confidence
 *   threshold
 * - Backend adapters: Tesseract on-device plus OpenAI, Anthropic, Gemini,
 *   and Grok vision endpoints
 * - Capacity-bounded recognition history with optional PostgreSQL persistence
 * - Admin HTTP API for job submission, inspection, and history search
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/snaptext/ocr-worker/internal/adapters"
	"github.com/snaptext/ocr-worker/internal/bulk"
	"github.com/snaptext/ocr-worker/internal/clients"
	"github.com/snaptext/ocr-worker/internal/config"
	"github.com/snaptext/ocr-worker/internal/history"
	"github.com/snaptext/ocr-worker/internal/httpapi"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
	"github.com/snaptext/ocr-worker/internal/orchestrator"
	"github.com/snaptext/ocr-worker/internal/queue"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	log.Printf("SnapText OCR Worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Postgres=%t, HTTP=%q, Workers=%d, Bulk=%d",
		cfg.RedisURL, cfg.DatabaseURL != "", cfg.HTTPAddr, cfg.WorkerConcurrency, cfg.BulkConcurrency)

	// Initialize history persistence when PostgreSQL is configured
	var persister history.Persister
	var postgres *history.PostgresStore
	if cfg.DatabaseURL != "" {
		log.Printf("Connecting to PostgreSQL...")
		postgres, err = history.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}

		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = postgres.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to ensure history schema: %v", err)
		}

		persister = postgres
		log.Printf("PostgreSQL persistence initialized")
	}

	// Initialize history store
	store := history.NewStore(cfg.HistoryCapacity, persister)
	if persister != nil {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err = store.Restore(restoreCtx)
		cancel()
		if err != nil {
			log.Printf("Warning: failed to restore history from PostgreSQL: %v", err)
		}
	}
	log.Printf("History store initialized: capacity=%d, restored=%d", cfg.HistoryCapacity, store.Len())

	// Initialize backend adapters
	registry, err := adapters.NewRegistry(cfg.BackendConfigs())
	if err != nil {
		log.Fatalf("Failed to initialize backend adapters: %v", err)
	}
	log.Printf("Backend adapters initialized: %v", registry.Kinds())

	// Initialize recognition orchestrator
	defaultBackend, err := ocr.ParseBackendKind(cfg.DefaultBackend)
	if err != nil {
		log.Fatalf("Failed to resolve default backend: %v", err)
	}

	orch := orchestrator.New(registry, orchestrator.Options{
		DefaultBackend:      defaultBackend,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxRetries:          cfg.MaxRetries,
		InitialBackoff:      time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:          time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		RequestTimeout:      time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		FallbackEnabled:     cfg.FallbackEnabled,
	})
	log.Printf("Orchestrator initialized: default=%s, retries=%d, fallback=%t",
		defaultBackend, cfg.MaxRetries, cfg.FallbackEnabled)

	// Initialize bulk processor; succeeded items are archived to history
	processor := bulk.NewProcessor(orch, bulk.ProcessorConfig{
		Concurrency: cfg.BulkConcurrency,
		Archiver:    store,
	})

	// Initialize job tracker
	log.Printf("Connecting to Redis job tracker...")
	tracker, err := queue.NewJobTracker(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to initialize job tracker: %v", err)
	}
	log.Printf("Job tracker initialized")

	// Initialize clients
	fetcher := clients.NewImageFetcher(30*time.Second, cfg.FetchMaxRetries, cfg.FetchMaxBytes)
	exporter := clients.NewExportClient(cfg.ExportWebhookURL, cfg.ExportAuthToken)
	if exporter.Enabled() {
		log.Printf("Export client initialized: webhook=%s", cfg.ExportWebhookURL)
	}

	// Initialize queue consumer
	log.Printf("Connecting to Redis queue...")
	handler := queue.NewBulkJobHandler(fetcher, processor, tracker, exporter)
	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Handler:           handler,
		ProcessingTimeout: time.Duration(cfg.ProcessingTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}
	log.Printf("Queue consumer initialized with concurrency=%d", cfg.WorkerConcurrency)

	// Start queue consumer
	if err := consumer.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}
	log.Printf("Queue consumer started successfully")

	// Initialize the admin HTTP API when an address is configured
	var enqueuer *queue.Enqueuer
	var api *httpapi.Server
	if cfg.HTTPAddr != "" {
		enqueuer, err = queue.NewEnqueuer(cfg.RedisURL, cfg.QueueName, tracker)
		if err != nil {
			log.Fatalf("Failed to initialize job enqueuer: %v", err)
		}

		checks := map[string]httpapi.HealthCheck{
			"redis": tracker.Ping,
		}
		if postgres != nil {
			checks["postgres"] = postgres.Ping
		}

		api, err = httpapi.NewServer(&httpapi.ServerConfig{
			Addr:         cfg.HTTPAddr,
			Enqueuer:     enqueuer,
			Jobs:         tracker,
			History:      store,
			HealthChecks: checks,
		})
		if err != nil {
			log.Fatalf("Failed to initialize HTTP API: %v", err)
		}

		api.Start()
		log.Printf("HTTP API listening on %s", cfg.HTTPAddr)
	}

	// Print startup summary
	log.Printf("===========================================")
	log.Printf("SnapText OCR Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s", cfg.QueueName)
	log.Printf("Workers: %d (bulk pool: %d)", cfg.WorkerConcurrency, cfg.BulkConcurrency)
	log.Printf("Default Backend: %s", defaultBackend)
	log.Printf("Backends: %v", registry.Kinds())
	log.Printf("History Capacity: %d items", cfg.HistoryCapacity)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	// Stop the HTTP API first so no new jobs arrive mid-shutdown
	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error stopping HTTP API: %v", err)
		} else {
			log.Printf("HTTP API stopped")
		}
		cancel()
	}
	if enqueuer != nil {
		if err := enqueuer.Close(); err != nil {
			log.Printf("Error closing job enqueuer: %v", err)
		}
	}

	// Stop queue consumer
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := consumer.Stop(stopCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}
	stopCancel()

	// Close job tracker
	if err := tracker.Close(); err != nil {
		log.Printf("Error closing job tracker: %v", err)
	} else {
		log.Printf("Job tracker closed")
	}

	// Close PostgreSQL
	if postgres != nil {
		if err := postgres.Close(); err != nil {
			log.Printf("Error closing PostgreSQL: %v", err)
		} else {
			log.Printf("PostgreSQL connection closed")
		}
	}

	log.Printf("Shutdown complete")
}
