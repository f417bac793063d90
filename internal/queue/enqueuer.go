/**
 * Task enqueuer for bulk OCR jobs
 *
 * Producer side of the queue: wraps payload construction, task submission,
 * and the initial tracker record so API handlers and the CLI enqueue jobs
 * the same way.
 */

package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
)

// Enqueuer submits bulk OCR tasks.
type Enqueuer struct {
	client  *asynq.Client
	queue   string
	tracker *JobTracker
	logger  *logging.Logger
}

// NewEnqueuer creates a task producer. tracker may be nil.
func NewEnqueuer(redisURL, queueName string, tracker *JobTracker) (*Enqueuer, error) {
	if redisURL == "" {
		return nil, errors.NewQueueFailedError("redis url is required", nil)
	}
	if queueName == "" {
		queueName = DefaultQueueName
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.NewQueueFailedError("failed to parse redis url", err)
	}

	return &Enqueuer{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		tracker: tracker,
		logger:  logging.NewLogger("Enqueuer"),
	}, nil
}

// EnqueueBulkJob submits one bulk job and returns its job id. The payload's
// JobID is honored when set so callers can make submission idempotent.
func (e *Enqueuer) EnqueueBulkJob(ctx context.Context, payload *BulkTaskPayload) (string, error) {
	if payload == nil || len(payload.ImageURLs) == 0 {
		return "", errors.NewInvalidRequestError("bulk job requires at least one image url")
	}
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}

	task, err := NewBulkTask(payload)
	if err != nil {
		return "", errors.NewQueueFailedError("failed to build bulk task", err)
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", errors.NewQueueFailedError("failed to enqueue bulk task", err)
	}

	if e.tracker != nil {
		if terr := e.tracker.MarkQueued(ctx, payload.JobID, len(payload.ImageURLs)); terr != nil {
			e.logger.Warn("Failed to mark job queued",
				"jobID", payload.JobID,
				"error", terr.Error())
		}
	}

	e.logger.Info("Bulk job enqueued",
		"jobID", payload.JobID,
		"images", len(payload.ImageURLs),
		"taskID", info.ID,
		"queue", info.Queue)

	return payload.JobID, nil
}

// Close releases the underlying client.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
