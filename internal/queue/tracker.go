/**
 * Job tracker - Redis-backed bulk job status
 *
 * Records queued bulk jobs so API callers can poll status and progress
 * across worker restarts. Each job keeps a JSON record under its own key,
 * membership sets group jobs by status, and every transition publishes an
 * event for websocket streaming. Terminal records expire after seven days.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
)

const (
	trackerKeyPrefix  = "snaptext:jobs"
	trackerEventsChan = "snaptext:jobs:events"
	terminalRecordTTL = 7 * 24 * time.Hour
)

// trackedStatuses are the set suffixes a job can be a member of.
var trackedStatuses = []string{"queued", "in_progress", "completed", "partially_failed", "cancelled"}

// JobRecord is the persisted view of one bulk job.
type JobRecord struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobTracker persists job records in Redis.
type JobTracker struct {
	client *redis.Client
	logger *logging.Logger
}

// NewJobTracker connects to Redis and verifies the connection.
func NewJobTracker(redisURL string) (*JobTracker, error) {
	if redisURL == "" {
		return nil, errors.NewQueueFailedError("redis url is required", nil)
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.NewQueueFailedError("failed to parse redis url", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.NewQueueFailedError("failed to connect to redis", err)
	}

	return &JobTracker{
		client: client,
		logger: logging.NewLogger("JobTracker"),
	}, nil
}

// MarkQueued creates the record for a freshly enqueued job.
func (t *JobTracker) MarkQueued(ctx context.Context, jobID string, total int) error {
	now := time.Now().UTC()
	record := &JobRecord{
		JobID:     jobID,
		Status:    "queued",
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.save(ctx, record, 0); err != nil {
		return err
	}
	if err := t.client.SAdd(ctx, t.statusKey("queued"), jobID).Err(); err != nil {
		return errors.NewQueueFailedError("failed to add job to queued set", err)
	}
	t.publish(ctx, jobID, "queued")
	return nil
}

// MarkStarted transitions a job to in_progress.
func (t *JobTracker) MarkStarted(ctx context.Context, jobID string) error {
	record, err := t.GetJob(ctx, jobID)
	if err != nil {
		if errors.CodeOf(err) != errors.ErrorNotFound {
			return err
		}
		// The record may have expired or the job may have been enqueued by
		// another producer; start a fresh one.
		now := time.Now().UTC()
		record = &JobRecord{JobID: jobID, CreatedAt: now, UpdatedAt: now}
	}
	return t.transition(ctx, record, "in_progress", 0)
}

// UpdateProgress stores the latest completed count.
func (t *JobTracker) UpdateProgress(ctx context.Context, jobID string, completed, total int) error {
	record, err := t.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	record.Completed = completed
	record.Total = total
	record.UpdatedAt = time.Now().UTC()
	return t.save(ctx, record, 0)
}

// MarkTerminal records a job's final status and outcome counts, and starts
// the record's expiry clock.
func (t *JobTracker) MarkTerminal(ctx context.Context, jobID, status string, succeeded, failed, cancelled int, errMsg string) error {
	record, err := t.GetJob(ctx, jobID)
	if err != nil {
		if errors.CodeOf(err) != errors.ErrorNotFound {
			return err
		}
		now := time.Now().UTC()
		record = &JobRecord{JobID: jobID, CreatedAt: now, UpdatedAt: now}
	}
	record.Succeeded = succeeded
	record.Failed = failed
	record.Cancelled = cancelled
	record.Completed = succeeded + failed + cancelled
	record.Total = record.Completed
	record.Error = errMsg
	return t.transition(ctx, record, status, terminalRecordTTL)
}

// GetJob loads one job record.
func (t *JobTracker) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	data, err := t.client.Get(ctx, t.dataKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, errors.NewNotFoundError("job", jobID)
	}
	if err != nil {
		return nil, errors.NewQueueFailedError("failed to load job record", err)
	}

	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.NewQueueFailedError("failed to unmarshal job record", err)
	}
	return &record, nil
}

// Stats counts jobs per status set.
func (t *JobTracker) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(trackedStatuses))
	for _, status := range trackedStatuses {
		count, err := t.client.SCard(ctx, t.statusKey(status)).Result()
		if err != nil {
			return nil, errors.NewQueueFailedError(fmt.Sprintf("failed to count %s jobs", status), err)
		}
		stats[status] = count
	}
	return stats, nil
}

// Ping verifies Redis connectivity.
func (t *JobTracker) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return errors.NewQueueFailedError("redis ping failed", err)
	}
	return nil
}

// Close releases the Redis client.
func (t *JobTracker) Close() error {
	return t.client.Close()
}

// transition moves a record between status sets, saves it, and publishes
// the change.
func (t *JobTracker) transition(ctx context.Context, record *JobRecord, status string, ttl time.Duration) error {
	previous := record.Status
	record.Status = status
	record.UpdatedAt = time.Now().UTC()

	if err := t.save(ctx, record, ttl); err != nil {
		return err
	}

	if previous != "" && previous != status {
		if err := t.client.SRem(ctx, t.statusKey(previous), record.JobID).Err(); err != nil {
			t.logger.Warn("Failed to remove job from status set",
				"jobID", record.JobID,
				"status", previous,
				"error", err.Error())
		}
	}
	if err := t.client.SAdd(ctx, t.statusKey(status), record.JobID).Err(); err != nil {
		return errors.NewQueueFailedError("failed to add job to status set", err)
	}

	t.publish(ctx, record.JobID, status)
	return nil
}

func (t *JobTracker) save(ctx context.Context, record *JobRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.NewQueueFailedError("failed to marshal job record", err)
	}
	if err := t.client.Set(ctx, t.dataKey(record.JobID), data, ttl).Err(); err != nil {
		return errors.NewQueueFailedError("failed to save job record", err)
	}
	return nil
}

func (t *JobTracker) publish(ctx context.Context, jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	t.client.Publish(ctx, trackerEventsChan, eventData)
}

func (t *JobTracker) dataKey(jobID string) string {
	return fmt.Sprintf("%s:data:%s", trackerKeyPrefix, jobID)
}

func (t *JobTracker) statusKey(status string) string {
	return fmt.Sprintf("%s:%s", trackerKeyPrefix, status)
}
