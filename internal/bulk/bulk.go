/**
 * Bulk processor - bounded-concurrency batch recognition
 *
 * Drives the orchestrator over many captures with a fixed worker pool.
 * Results land in a pre-sized slot array at each input's original index, so
 * output order always matches submission order regardless of completion
 * order. One item's failure never aborts its siblings. Cancellation is
 * cooperative: queued items transition straight to cancelled, running items
 * finish and record their outcome normally.
 */

package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// DefaultConcurrency is the worker pool size when none is configured. Kept
// small to respect remote rate limits and local CPU contention.
const DefaultConcurrency = 4

// ItemStatus is the per-item lifecycle state.
type ItemStatus string

const (
	StatusQueued    ItemStatus = "queued"
	StatusRunning   ItemStatus = "running"
	StatusSucceeded ItemStatus = "succeeded"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ItemStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// JobStatus is the job-level lifecycle state.
type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobInProgress      JobStatus = "in_progress"
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobCancelled       JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartiallyFailed || s == JobCancelled
}

// Recognizer is the single-request recognition entry point the processor
// drives. The returned result carries any failure; it is never nil.
type Recognizer interface {
	Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result
}

// Archiver receives each successfully recognized capture as it completes.
type Archiver interface {
	ArchiveResult(ctx context.Context, img *ocr.CaptureImage, result *ocr.Result, tags []string) error
}

// ProcessorConfig tunes a processor.
type ProcessorConfig struct {
	// Concurrency is the fixed worker pool size.
	Concurrency int

	// Archiver, when set, stores succeeded items as they complete.
	Archiver Archiver
}

// Processor runs bulk recognition jobs.
type Processor struct {
	recognizer  Recognizer
	concurrency int
	archiver    Archiver
	logger      *logging.Logger
}

// NewProcessor creates a bulk processor over a recognizer.
func NewProcessor(recognizer Recognizer, cfg ProcessorConfig) *Processor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Processor{
		recognizer:  recognizer,
		concurrency: concurrency,
		archiver:    cfg.Archiver,
		logger:      logging.NewLogger("BulkProcessor"),
	}
}

// JobConfig describes one batch submission.
type JobConfig struct {
	// ID names the job. A fresh id is assigned when empty, callers with an
	// externally issued id (queued tasks) pass it through here.
	ID string

	// Images are the inputs, processed in slot order.
	Images []*ocr.CaptureImage

	// Template is the request applied to every item. Each item works on its
	// own copy.
	Template *ocr.Request

	// Tags are attached to every archived item.
	Tags []string

	// OnItem, when set, observes item transitions. It runs on worker
	// goroutines and must return quickly.
	OnItem func(index int, status ItemStatus, result *ocr.Result)
}

// ItemState is one slot of a job.
type ItemState struct {
	Index  int         `json:"index"`
	Status ItemStatus  `json:"status"`
	Result *ocr.Result `json:"result,omitempty"`
}

// Progress is a point-in-time view of a job. Completed counts only terminal
// items.
type Progress struct {
	Completed int          `json:"completed"`
	Total     int          `json:"total"`
	Statuses  []ItemStatus `json:"statuses"`
}

// ExportEntry is one row of the flat ordered export list.
type ExportEntry struct {
	Index      int        `json:"index"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Status     ItemStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Backend    string     `json:"backend,omitempty"`
}

// Job is the handle to one submitted batch.
type Job struct {
	ID string

	mu         sync.Mutex
	items      []ItemState
	status     JobStatus
	completed  int
	cancelled  bool
	createdAt  time.Time
	finishedAt time.Time

	done chan struct{}
}

func newJob(id string, total int) *Job {
	if id == "" {
		id = uuid.New().String()
	}
	items := make([]ItemState, total)
	for i := range items {
		items[i] = ItemState{Index: i, Status: StatusQueued}
	}
	return &Job{
		ID:        id,
		items:     items,
		status:    JobPending,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// Submit starts a batch and returns its handle immediately. Workers inherit
// ctx; cancelling it marks still-queued items cancelled while running items
// finish.
func (p *Processor) Submit(ctx context.Context, cfg JobConfig) *Job {
	job := newJob(cfg.ID, len(cfg.Images))

	p.logger.Info("Bulk job submitted",
		"jobID", job.ID,
		"items", len(cfg.Images),
		"concurrency", p.concurrency)

	if len(cfg.Images) == 0 {
		job.finalize()
		return job
	}

	job.setStatus(JobInProgress)

	indices := make(chan int, len(cfg.Images))
	for i := range cfg.Images {
		indices <- i
	}
	close(indices)

	workers := p.concurrency
	if workers > len(cfg.Images) {
		workers = len(cfg.Images)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indices {
				p.processItem(ctx, job, cfg, idx)
			}
		}()
	}

	go func() {
		wg.Wait()
		job.finalize()
		p.logger.Info("Bulk job finished",
			"jobID", job.ID,
			"status", string(job.Status()),
			"items", len(cfg.Images))
	}()

	return job
}

func (p *Processor) processItem(ctx context.Context, job *Job, cfg JobConfig, idx int) {
	if job.CancelRequested() || ctx.Err() != nil {
		job.completeItem(idx, StatusCancelled, nil, cfg.OnItem)
		return
	}

	job.markRunning(idx, cfg.OnItem)

	var req *ocr.Request
	if cfg.Template != nil {
		req = cfg.Template.Clone()
	}

	result := p.recognizer.Recognize(ctx, cfg.Images[idx], req)
	if result == nil {
		result = ocr.FailedResult("", errors.NewParseError("", "recognizer returned no result", nil))
	}

	status := StatusSucceeded
	if result.Failed() {
		status = StatusFailed
		p.logger.Warn("Bulk item failed",
			"jobID", job.ID,
			"index", idx,
			"errorCode", string(result.Err.Code))
	} else if p.archiver != nil {
		if err := p.archiver.ArchiveResult(ctx, cfg.Images[idx], result, cfg.Tags); err != nil {
			p.logger.Error("Failed to archive bulk item",
				"jobID", job.ID,
				"index", idx,
				"error", err.Error())
		}
	}

	job.completeItem(idx, status, result, cfg.OnItem)
}

// Cancel requests cooperative cancellation: items not yet dispatched become
// cancelled, running items finish normally.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

// CancelRequested reports whether Cancel has been called.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Status returns the job-level status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns the completed count, the total, and a copy of every
// item's status.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()

	statuses := make([]ItemStatus, len(j.items))
	for i, item := range j.items {
		statuses[i] = item.Status
	}
	return Progress{
		Completed: j.completed,
		Total:     len(j.items),
		Statuses:  statuses,
	}
}

// Counts tallies terminal item outcomes.
func (j *Job) Counts() (succeeded, failed, cancelled int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.countsLocked()
}

func (j *Job) countsLocked() (succeeded, failed, cancelled int) {
	for _, item := range j.items {
		switch item.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	return succeeded, failed, cancelled
}

// Wait blocks until the job is terminal or ctx is cancelled.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the completion channel for select-based callers.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// CreatedAt returns the submission time.
func (j *Job) CreatedAt() time.Time {
	return j.createdAt
}

// FinishedAt returns when the job reached a terminal status, or the zero
// time while it is still running.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Results returns copies of every slot's result in submission order. Slots
// without a result (queued, running, cancelled before dispatch) are nil.
func (j *Job) Results() []*ocr.Result {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*ocr.Result, len(j.items))
	for i, item := range j.items {
		if item.Result != nil {
			out[i] = item.Result.Clone()
		}
	}
	return out
}

// Export materializes the flat ordered list for external sinks.
func (j *Job) Export() []ExportEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries := make([]ExportEntry, len(j.items))
	for i, item := range j.items {
		entry := ExportEntry{
			Index:  item.Index,
			Status: item.Status,
		}
		if item.Result != nil {
			entry.Text = item.Result.FullText
			entry.Confidence = item.Result.Confidence
			entry.Backend = string(item.Result.Backend)
			if item.Result.Err != nil {
				entry.Error = item.Result.Err.Error()
			}
		}
		entries[i] = entry
	}
	return entries
}

func (j *Job) setStatus(status JobStatus) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
}

func (j *Job) markRunning(idx int, onItem func(int, ItemStatus, *ocr.Result)) {
	j.mu.Lock()
	if j.items[idx].Status != StatusQueued {
		j.mu.Unlock()
		return
	}
	j.items[idx].Status = StatusRunning
	j.mu.Unlock()

	if onItem != nil {
		onItem(idx, StatusRunning, nil)
	}
}

// completeItem records a terminal outcome exactly once per slot.
func (j *Job) completeItem(idx int, status ItemStatus, result *ocr.Result, onItem func(int, ItemStatus, *ocr.Result)) {
	j.mu.Lock()
	if j.items[idx].Status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.items[idx].Status = status
	j.items[idx].Result = result
	j.completed++
	j.mu.Unlock()

	if onItem != nil {
		onItem(idx, status, result)
	}
}

// finalize computes the terminal job status once every item is terminal.
// A job is never marked cancelled while anything succeeded, so callers can
// always extract recovered text.
func (j *Job) finalize() {
	j.mu.Lock()
	succeeded, failed, cancelledItems := j.countsLocked()
	switch {
	case succeeded == len(j.items):
		j.status = JobCompleted
	case succeeded == 0 && (j.cancelled || (cancelledItems > 0 && failed == 0)):
		j.status = JobCancelled
	default:
		j.status = JobPartiallyFailed
	}
	j.finishedAt = time.Now().UTC()
	close(j.done)
	j.mu.Unlock()
}
