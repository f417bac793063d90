/**
 * Tests for the bulk processor
 *
 * Covers slot ordering, the worker pool bound, per-item isolation,
 * cooperative cancellation and the export list. Recognition is stubbed; no
 * real backend runs.
 */

package bulk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

func TestSubmitPreservesOrder(t *testing.T) {
	const total = 8

	// Later slots finish first; output order must still match submission.
	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		idx := imageIndex(img)
		time.Sleep(time.Duration(total-idx) * 2 * time.Millisecond)
		return okResult(fmt.Sprintf("text-%d", idx), 0.9)
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 4})
	job := p.Submit(context.Background(), JobConfig{Images: numberedImages(total)})

	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	results := job.Results()
	if len(results) != total {
		t.Fatalf("Result count mismatch: got %d, want %d", len(results), total)
	}
	for i, result := range results {
		want := fmt.Sprintf("text-%d", i)
		if result == nil || result.FullText != want {
			t.Errorf("Slot %d mismatch: got %v, want %q", i, result, want)
		}
	}
	if job.Status() != JobCompleted {
		t.Errorf("Status mismatch: got %s, want %s", job.Status(), JobCompleted)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return okResult("x", 0.9)
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 3})
	job := p.Submit(context.Background(), JobConfig{Images: numberedImages(12)})

	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if maxInFlight > 3 {
		t.Errorf("Pool bound exceeded: %d items in flight, want at most 3", maxInFlight)
	}
	if maxInFlight < 2 {
		t.Errorf("No overlap observed: max in flight %d", maxInFlight)
	}
}

func TestItemIsolation(t *testing.T) {
	// Slots 1 and 3 fail; their siblings must complete normally.
	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		idx := imageIndex(img)
		if idx == 1 || idx == 3 {
			return ocr.FailedResult(ocr.KindOpenAI, errors.NewNetworkError("openai", nil))
		}
		return okResult(fmt.Sprintf("text-%d", idx), 0.9)
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 2})
	job := p.Submit(context.Background(), JobConfig{Images: numberedImages(5)})

	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if job.Status() != JobPartiallyFailed {
		t.Errorf("Status mismatch: got %s, want %s", job.Status(), JobPartiallyFailed)
	}

	succeeded, failed, cancelled := job.Counts()
	if succeeded != 3 || failed != 2 || cancelled != 0 {
		t.Errorf("Counts mismatch: got %d/%d/%d, want 3/2/0", succeeded, failed, cancelled)
	}

	progress := job.Progress()
	if progress.Completed != 5 || progress.Total != 5 {
		t.Errorf("Progress mismatch: got %d/%d, want 5/5", progress.Completed, progress.Total)
	}

	entries := job.Export()
	if len(entries) != 5 {
		t.Fatalf("Export count mismatch: got %d, want 5", len(entries))
	}
	for i, entry := range entries {
		if entry.Index != i {
			t.Errorf("Entry %d index mismatch: got %d", i, entry.Index)
		}
		if i == 1 || i == 3 {
			if entry.Status != StatusFailed || entry.Error == "" {
				t.Errorf("Entry %d should carry a failure: %+v", i, entry)
			}
			continue
		}
		if entry.Status != StatusSucceeded {
			t.Errorf("Entry %d status mismatch: got %s", i, entry.Status)
		}
		if want := fmt.Sprintf("text-%d", i); entry.Text != want {
			t.Errorf("Entry %d text mismatch: got %q, want %q", i, entry.Text, want)
		}
		if entry.Backend != string(ocr.KindTesseract) {
			t.Errorf("Entry %d backend mismatch: got %q", i, entry.Backend)
		}
	}
}

func TestEmptyJob(t *testing.T) {
	p := NewProcessor(staticRecognizer("x"), ProcessorConfig{})
	job := p.Submit(context.Background(), JobConfig{})

	if job.Status() != JobCompleted {
		t.Errorf("Status mismatch: got %s, want %s", job.Status(), JobCompleted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := job.Wait(ctx); err != nil {
		t.Errorf("Wait on empty job failed: %v", err)
	}

	if progress := job.Progress(); progress.Total != 0 || progress.Completed != 0 {
		t.Errorf("Progress mismatch: got %d/%d, want 0/0", progress.Completed, progress.Total)
	}
	if job.FinishedAt().IsZero() {
		t.Error("FinishedAt not set on terminal job")
	}
}

func TestCancelLeavesRunningItem(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		once.Do(func() { close(started) })
		<-release
		return okResult(string(img.Data), 0.9)
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 1})
	job := p.Submit(context.Background(), JobConfig{Images: numberedImages(6)})

	<-started
	job.Cancel()
	close(release)

	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// The running item finishes normally, queued items go straight to
	// cancelled, and the recovered text keeps the job out of cancelled state.
	succeeded, failed, cancelled := job.Counts()
	if succeeded != 1 || failed != 0 || cancelled != 5 {
		t.Errorf("Counts mismatch: got %d/%d/%d, want 1/0/5", succeeded, failed, cancelled)
	}
	if job.Status() != JobPartiallyFailed {
		t.Errorf("Status mismatch: got %s, want %s", job.Status(), JobPartiallyFailed)
	}

	statuses := job.Progress().Statuses
	if statuses[0] != StatusSucceeded {
		t.Errorf("Slot 0 status mismatch: got %s, want %s", statuses[0], StatusSucceeded)
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i] != StatusCancelled {
			t.Errorf("Slot %d status mismatch: got %s, want %s", i, statuses[i], StatusCancelled)
		}
	}
}

func TestCancelWithoutSuccess(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		once.Do(func() { close(started) })
		<-release
		return ocr.FailedResult(ocr.KindOpenAI, errors.NewNetworkError("openai", nil))
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 1})
	job := p.Submit(context.Background(), JobConfig{Images: numberedImages(4)})

	<-started
	job.Cancel()
	close(release)

	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if job.Status() != JobCancelled {
		t.Errorf("Status mismatch: got %s, want %s", job.Status(), JobCancelled)
	}
	succeeded, failed, cancelled := job.Counts()
	if succeeded != 0 || failed != 1 || cancelled != 3 {
		t.Errorf("Counts mismatch: got %d/%d/%d, want 0/1/3", succeeded, failed, cancelled)
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	rec := recognizeFunc(func(_ context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		once.Do(func() { close(started) })
		<-release
		return okResult(string(img.Data), 0.9)
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 1})
	job := p.Submit(ctx, JobConfig{Images: numberedImages(3)})

	<-started
	cancel()
	close(release)

	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	succeeded, _, cancelled := job.Counts()
	if succeeded != 1 || cancelled != 2 {
		t.Errorf("Counts mismatch: got succeeded=%d cancelled=%d, want 1/2", succeeded, cancelled)
	}
}

func TestArchiverReceivesOnlySucceeded(t *testing.T) {
	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		if imageIndex(img) == 1 {
			return ocr.FailedResult(ocr.KindOpenAI, errors.NewAuthError("openai", nil))
		}
		return okResult(string(img.Data), 0.9)
	})

	archiver := &recordingArchiver{}
	p := NewProcessor(rec, ProcessorConfig{Concurrency: 2, Archiver: archiver})

	job := p.Submit(context.Background(), JobConfig{
		Images: numberedImages(3),
		Tags:   []string{"batch", "invoices"},
	})
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	archived := archiver.snapshot()
	if len(archived) != 2 {
		t.Fatalf("Archive count mismatch: got %d, want 2", len(archived))
	}
	for _, call := range archived {
		if call.text == "img-1" {
			t.Error("Failed item was archived")
		}
		if len(call.tags) != 2 || call.tags[0] != "batch" {
			t.Errorf("Tags mismatch: got %v", call.tags)
		}
	}
}

func TestArchiveFailureDoesNotFailItem(t *testing.T) {
	archiver := &recordingArchiver{err: fmt.Errorf("disk full")}
	p := NewProcessor(staticRecognizer("text"), ProcessorConfig{Concurrency: 1, Archiver: archiver})

	job := p.Submit(context.Background(), JobConfig{Images: numberedImages(2)})
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if job.Status() != JobCompleted {
		t.Errorf("Status mismatch: got %s, want %s", job.Status(), JobCompleted)
	}
}

func TestTemplateClonedPerItem(t *testing.T) {
	template := &ocr.Request{
		Backend:   ocr.KindOpenAI,
		Languages: []string{"eng"},
	}

	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		if req == template {
			t.Error("Item received the shared template, not a copy")
		}
		req.Languages[0] = "mutated"
		return okResult("x", 0.9)
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 2})
	job := p.Submit(context.Background(), JobConfig{
		Images:   numberedImages(4),
		Template: template,
	})
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if template.Languages[0] != "eng" {
		t.Errorf("Template mutated by worker: got %q, want eng", template.Languages[0])
	}
}

func TestOnItemTransitions(t *testing.T) {
	var mu sync.Mutex
	transitions := make(map[int][]ItemStatus)

	p := NewProcessor(staticRecognizer("x"), ProcessorConfig{Concurrency: 1})
	job := p.Submit(context.Background(), JobConfig{
		Images: numberedImages(2),
		OnItem: func(index int, status ItemStatus, result *ocr.Result) {
			mu.Lock()
			transitions[index] = append(transitions[index], status)
			mu.Unlock()
		},
	})
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for idx := 0; idx < 2; idx++ {
		got := transitions[idx]
		if len(got) != 2 || got[0] != StatusRunning || got[1] != StatusSucceeded {
			t.Errorf("Item %d transitions mismatch: got %v, want [running succeeded]", idx, got)
		}
	}
}

func TestWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	rec := recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		<-release
		return okResult("x", 0.9)
	})

	p := NewProcessor(rec, ProcessorConfig{Concurrency: 1})
	job := p.Submit(context.Background(), JobConfig{Images: numberedImages(1)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := job.Wait(ctx); err == nil {
		t.Error("Wait with cancelled context returned nil")
	}

	close(release)
	if err := job.Wait(context.Background()); err != nil {
		t.Errorf("Wait after release failed: %v", err)
	}
}

func TestJobIDAssignment(t *testing.T) {
	p := NewProcessor(staticRecognizer("x"), ProcessorConfig{})

	withID := p.Submit(context.Background(), JobConfig{ID: "external-42"})
	if withID.ID != "external-42" {
		t.Errorf("ID mismatch: got %q, want external-42", withID.ID)
	}

	generated := p.Submit(context.Background(), JobConfig{})
	if generated.ID == "" {
		t.Error("Empty ID not replaced with a generated one")
	}
}

func TestDefaultConcurrency(t *testing.T) {
	p := NewProcessor(staticRecognizer("x"), ProcessorConfig{})
	if p.concurrency != DefaultConcurrency {
		t.Errorf("Concurrency mismatch: got %d, want %d", p.concurrency, DefaultConcurrency)
	}

	p = NewProcessor(staticRecognizer("x"), ProcessorConfig{Concurrency: -2})
	if p.concurrency != DefaultConcurrency {
		t.Errorf("Concurrency mismatch: got %d, want %d", p.concurrency, DefaultConcurrency)
	}
}

// recognizeFunc adapts a closure to the Recognizer interface.
type recognizeFunc func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result

func (f recognizeFunc) Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
	return f(ctx, img, req)
}

func staticRecognizer(text string) Recognizer {
	return recognizeFunc(func(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
		return okResult(text, 0.9)
	})
}

func okResult(text string, confidence float64) *ocr.Result {
	return ocr.NewResult([]ocr.TextRegion{{Text: text, Confidence: confidence}}, ocr.KindTesseract)
}

// numberedImages builds n one-slot captures whose payload encodes the slot
// index.
func numberedImages(n int) []*ocr.CaptureImage {
	images := make([]*ocr.CaptureImage, n)
	for i := range images {
		images[i] = &ocr.CaptureImage{
			Data:   []byte(fmt.Sprintf("img-%d", i)),
			Format: "png",
			Width:  10,
			Height: 10,
		}
	}
	return images
}

// imageIndex recovers the slot index encoded by numberedImages, -1 when the
// payload is unexpected.
func imageIndex(img *ocr.CaptureImage) int {
	idx, err := strconv.Atoi(strings.TrimPrefix(string(img.Data), "img-"))
	if err != nil {
		return -1
	}
	return idx
}

type archiveCall struct {
	text string
	tags []string
}

// recordingArchiver captures ArchiveResult calls for assertions.
type recordingArchiver struct {
	mu    sync.Mutex
	calls []archiveCall
	err   error
}

func (a *recordingArchiver) ArchiveResult(ctx context.Context, img *ocr.CaptureImage, result *ocr.Result, tags []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archiveCall{text: result.FullText, tags: tags})
	return a.err
}

func (a *recordingArchiver) snapshot() []archiveCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archiveCall(nil), a.calls...)
}
