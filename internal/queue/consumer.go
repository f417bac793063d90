/**
 * Queue consumer for bulk OCR jobs
 *
 * Consumes bulk recognition tasks from Redis using Asynq. Each task names
 * the images by URL; the handler downloads them, drives the bulk processor,
 * keeps the job tracker current, and delivers the export list to the
 * configured sink once the job is terminal.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/snaptext/ocr-worker/internal/bulk"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// TaskTypeBulkOCR is the Asynq task type for bulk recognition jobs.
const TaskTypeBulkOCR = "ocr:bulk"

// DefaultQueueName is the Asynq queue bulk tasks are routed to.
const DefaultQueueName = "ocr"

// BulkTaskPayload is the wire form of one queued bulk job.
type BulkTaskPayload struct {
	JobID               string    `json:"jobId"`
	ImageURLs           []string  `json:"imageUrls"`
	Backend             string    `json:"backend,omitempty"`
	Languages           []string  `json:"languages,omitempty"`
	ConfidenceThreshold float64   `json:"confidenceThreshold,omitempty"`
	Region              *ocr.Rect `json:"region,omitempty"`
	Tags                []string  `json:"tags,omitempty"`
}

// NewBulkTask wraps a payload as an Asynq task.
func NewBulkTask(payload *BulkTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bulk task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeBulkOCR, data), nil
}

// Fetcher downloads one image by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*ocr.CaptureImage, error)
}

// Submitter starts a bulk job and returns its handle.
type Submitter interface {
	Submit(ctx context.Context, cfg bulk.JobConfig) *bulk.Job
}

// Tracker records job lifecycle transitions. Tracker failures never fail a
// job; recognition results matter more than bookkeeping.
type Tracker interface {
	MarkStarted(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, completed, total int) error
	MarkTerminal(ctx context.Context, jobID, status string, succeeded, failed, cancelled int, errMsg string) error
}

// Exporter delivers a terminal job's export list.
type Exporter interface {
	Enabled() bool
	Deliver(ctx context.Context, jobID string, status bulk.JobStatus, entries []bulk.ExportEntry) error
}

// BulkJobHandler processes one queued bulk job end to end.
type BulkJobHandler struct {
	fetcher   Fetcher
	submitter Submitter
	tracker   Tracker
	exporter  Exporter
}

// NewBulkJobHandler creates the task handler. tracker and exporter may be
// nil.
func NewBulkJobHandler(fetcher Fetcher, submitter Submitter, tracker Tracker, exporter Exporter) *BulkJobHandler {
	return &BulkJobHandler{
		fetcher:   fetcher,
		submitter: submitter,
		tracker:   tracker,
		exporter:  exporter,
	}
}

// ProcessTask implements asynq.Handler.
func (h *BulkJobHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload BulkTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal bulk task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("bulk task carries no job id: %w", asynq.SkipRetry)
	}
	if len(payload.ImageURLs) == 0 {
		return fmt.Errorf("bulk task %s carries no image urls: %w", payload.JobID, asynq.SkipRetry)
	}

	template := &ocr.Request{
		Languages:           payload.Languages,
		ConfidenceThreshold: payload.ConfidenceThreshold,
		Region:              payload.Region,
	}
	if payload.Backend != "" {
		kind, err := ocr.ParseBackendKind(payload.Backend)
		if err != nil {
			return fmt.Errorf("bulk task %s names unknown backend %q: %w", payload.JobID, payload.Backend, asynq.SkipRetry)
		}
		template.Backend = kind
	}

	log.Printf("[Job %s] Processing bulk OCR job: images=%d, backend=%s",
		payload.JobID, len(payload.ImageURLs), payload.Backend)

	if h.tracker != nil {
		if err := h.tracker.MarkStarted(ctx, payload.JobID); err != nil {
			log.Printf("[Job %s] Warning: failed to mark job started: %v", payload.JobID, err)
		}
	}

	// Download inputs. A failed download leaves a nil slot; the orchestrator
	// rejects it as an empty capture, so the item lands in Failed without
	// taking its siblings down.
	images := make([]*ocr.CaptureImage, len(payload.ImageURLs))
	for i, url := range payload.ImageURLs {
		img, err := h.fetcher.Fetch(ctx, url)
		if err != nil {
			log.Printf("[Job %s] Warning: failed to fetch image %d (%s): %v", payload.JobID, i, url, err)
			continue
		}
		images[i] = img
	}

	job := h.submitter.Submit(ctx, bulk.JobConfig{
		ID:       payload.JobID,
		Images:   images,
		Template: template,
		Tags:     payload.Tags,
	})

	if h.tracker != nil {
		go h.streamProgress(ctx, payload.JobID, job)
	}

	if err := job.Wait(ctx); err != nil {
		// Worker shutdown: cancel queued items, let running items finish,
		// then hand the task back for redelivery. Already archived items
		// deduplicate on the next run.
		job.Cancel()
		<-job.Done()
		return fmt.Errorf("bulk job %s interrupted: %w", payload.JobID, err)
	}

	status := job.Status()
	succeeded, failed, cancelled := job.Counts()

	log.Printf("[Job %s] Bulk OCR job finished in %v: status=%s, succeeded=%d, failed=%d, cancelled=%d",
		payload.JobID, time.Since(startTime), status, succeeded, failed, cancelled)

	if h.tracker != nil {
		if err := h.tracker.MarkTerminal(ctx, payload.JobID, string(status), succeeded, failed, cancelled, ""); err != nil {
			log.Printf("[Job %s] Warning: failed to mark job terminal: %v", payload.JobID, err)
		}
	}

	if h.exporter != nil && h.exporter.Enabled() {
		if err := h.exporter.Deliver(ctx, payload.JobID, status, job.Export()); err != nil {
			log.Printf("[Job %s] Warning: failed to deliver export: %v", payload.JobID, err)
		}
	}

	return nil
}

// streamProgress mirrors completion counts into the tracker until the job
// is terminal.
func (h *BulkJobHandler) streamProgress(ctx context.Context, jobID string, job *bulk.Job) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-job.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress := job.Progress()
			if err := h.tracker.UpdateProgress(ctx, jobID, progress.Completed, progress.Total); err != nil {
				log.Printf("[Job %s] Warning: failed to update progress: %v", jobID, err)
			}
		}
	}
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Handler           *BulkJobHandler
	ProcessingTimeout time.Duration
}

// Consumer runs the Asynq server that drains bulk OCR tasks.
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	config *ConsumerConfig
}

// NewConsumer creates a queue consumer.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 5s, 10s, 20s, capped at 60s
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, error=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		server: server,
		mux:    mux,
		config: cfg,
	}

	mux.HandleFunc(TaskTypeBulkOCR, func(ctx context.Context, task *asynq.Task) error {
		if cfg.ProcessingTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.ProcessingTimeout)
			defer cancel()
		}
		return cfg.Handler.ProcessTask(ctx, task)
	})

	return consumer, nil
}

// Start runs the consumer in the background.
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			log.Printf("Queue consumer error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the consumer down gracefully, letting in-flight tasks finish.
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")
	c.server.Shutdown()
	log.Printf("Queue consumer stopped")
	return nil
}
