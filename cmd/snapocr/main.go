/**
 * snapocr - SnapText OCR command line
 *
 * One-shot recognition without the queue: captures the screen or reads image
 * files, runs them through the same orchestrator the worker uses, and manages
 * the recognition history. Configuration comes from snapocr.yaml with
 * environment overrides.
 */

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/snaptext/ocr-worker/internal/adapters"
	"github.com/snaptext/ocr-worker/internal/bulk"
	"github.com/snaptext/ocr-worker/internal/capture"
	"github.com/snaptext/ocr-worker/internal/clients"
	"github.com/snaptext/ocr-worker/internal/config"
	"github.com/snaptext/ocr-worker/internal/history"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
	"github.com/snaptext/ocr-worker/internal/orchestrator"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "capture":
		err = runCapture(os.Args[2:])
	case "recognize":
		err = runRecognize(os.Args[2:])
	case "bulk":
		err = runBulk(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `snapocr - screen text recognition

Usage:
  snapocr <command> [flags]

Commands:
  capture    Capture the screen, recognize it, and archive the result
  recognize  Recognize a single image file
  bulk       Recognize a batch of image files
  history    Inspect and manage the recognition archive

Run 'snapocr <command> -h' for command flags.
`)
}

// pipeline bundles the components a one-shot command needs.
type pipeline struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	store    *history.Store
	postgres *history.PostgresStore
}

func newPipeline(configPath string) (*pipeline, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	p := &pipeline{cfg: cfg}

	var persister history.Persister
	if cfg.DatabaseURL != "" {
		p.postgres, err = history.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}

		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = p.postgres.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			p.close()
			return nil, err
		}
		persister = p.postgres
	}

	p.store = history.NewStore(cfg.HistoryCapacity, persister)
	if persister != nil {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err = p.store.Restore(restoreCtx)
		cancel()
		if err != nil {
			p.close()
			return nil, err
		}
	}

	registry, err := adapters.NewRegistry(cfg.BackendConfigs())
	if err != nil {
		p.close()
		return nil, err
	}

	defaultBackend, err := ocr.ParseBackendKind(cfg.DefaultBackend)
	if err != nil {
		p.close()
		return nil, err
	}

	p.orch = orchestrator.New(registry, orchestrator.Options{
		DefaultBackend:      defaultBackend,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxRetries:          cfg.MaxRetries,
		InitialBackoff:      time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:          time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		RequestTimeout:      time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		FallbackEnabled:     cfg.FallbackEnabled,
	})

	return p, nil
}

func (p *pipeline) close() {
	if p.postgres != nil {
		p.postgres.Close()
	}
}

func runCapture(args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	display := fs.Int("display", 0, "display index to capture")
	region := fs.String("region", "", "region as x,y,w,h in screen coordinates")
	backend := fs.String("backend", "", "backend: tesseract, openai, anthropic, gemini, grok")
	languages := fs.String("languages", "", "comma-separated language hints")
	threshold := fs.Float64("threshold", 0, "confidence threshold override")
	tags := fs.String("tags", "", "comma-separated tags for the history entry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := newPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	capReq := capture.Request{Kind: capture.KindFullScreen, Display: *display}
	if *region != "" {
		rect, err := parseRegion(*region)
		if err != nil {
			return err
		}
		capReq = capture.Request{Kind: capture.KindRegion, Region: *rect}
	}

	source := capture.NewScreenSource()
	img, err := source.Capture(ctx, capReq)
	if err != nil {
		return err
	}

	req, err := buildRequest(*backend, *languages, *threshold, nil)
	if err != nil {
		return err
	}

	result := p.orch.Recognize(ctx, img, req)
	if result.Failed() {
		return result.Err
	}

	if err := p.store.ArchiveResult(ctx, img, result, csvList(*tags)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to archive result: %v\n", err)
	}

	if result.LowConfidence {
		fmt.Fprintf(os.Stderr, "Warning: low confidence %.2f (backend %s)\n", result.Confidence, result.Backend)
	}

	fmt.Println(result.FullText)
	return nil
}

func runRecognize(args []string) error {
	fs := flag.NewFlagSet("recognize", flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	file := fs.String("file", "", "image file to recognize (required)")
	backend := fs.String("backend", "", "backend: tesseract, openai, anthropic, gemini, grok")
	languages := fs.String("languages", "", "comma-separated language hints")
	threshold := fs.Float64("threshold", 0, "confidence threshold override")
	region := fs.String("region", "", "region as x,y,w,h in image coordinates")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	var rect *ocr.Rect
	if *region != "" {
		parsed, err := parseRegion(*region)
		if err != nil {
			return err
		}
		rect = parsed
	}

	img, err := loadImageFile(*file)
	if err != nil {
		return err
	}

	req, err := buildRequest(*backend, *languages, *threshold, rect)
	if err != nil {
		return err
	}

	p, err := newPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := p.orch.Recognize(ctx, img, req)

	if *asJSON {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Println(string(out))
		if result.Failed() {
			os.Exit(1)
		}
		return nil
	}

	if result.Failed() {
		return result.Err
	}

	if result.LowConfidence {
		fmt.Fprintf(os.Stderr, "Warning: low confidence %.2f (backend %s)\n", result.Confidence, result.Backend)
	}

	fmt.Println(result.FullText)
	return nil
}

func runBulk(args []string) error {
	fs := flag.NewFlagSet("bulk", flag.ExitOnError)
	configPath := fs.String("config", "", "path to snapocr.yaml")
	dir := fs.String("dir", "", "directory of image files")
	files := fs.String("files", "", "comma-separated image files")
	backend := fs.String("backend", "", "backend: tesseract, openai, anthropic, gemini, grok")
	languages := fs.String("languages", "", "comma-separated language hints")
	threshold := fs.Float64("threshold", 0, "confidence threshold override")
	concurrency := fs.Int("concurrency", 0, "worker pool size (default from config)")
	outPath := fs.String("out", "", "write the export JSON to this file instead of stdout")
	tags := fs.String("tags", "", "comma-separated tags for archived items")
	if err := fs.Parse(args); err != nil {
		return err
	}

	paths, err := collectImagePaths(*dir, *files)
	if err != nil {
		return err
	}

	req, err := buildRequest(*backend, *languages, *threshold, nil)
	if err != nil {
		return err
	}

	p, err := newPipeline(*configPath)
	if err != nil {
		return err
	}
	defer p.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Unreadable files keep their slot and fail in isolation, matching the
	// per-item semantics of queued jobs.
	images := make([]*ocr.CaptureImage, len(paths))
	for i, path := range paths {
		img, err := loadImageFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			continue
		}
		images[i] = img
	}

	poolSize := p.cfg.BulkConcurrency
	if *concurrency > 0 {
		poolSize = *concurrency
	}

	processor := bulk.NewProcessor(p.orch, bulk.ProcessorConfig{
		Concurrency: poolSize,
		Archiver:    p.store,
	})

	job := processor.Submit(ctx, bulk.JobConfig{
		Images:   images,
		Template: req,
		Tags:     csvList(*tags),
	})

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-job.Done():
			break waitLoop
		case <-ctx.Done():
			job.Cancel()
			<-job.Done()
			break waitLoop
		case <-ticker.C:
			progress := job.Progress()
			fmt.Fprintf(os.Stderr, "\rProcessed %d/%d", progress.Completed, progress.Total)
		}
	}

	progress := job.Progress()
	fmt.Fprintf(os.Stderr, "\rProcessed %d/%d\n", progress.Completed, progress.Total)

	succeeded, failed, cancelled := job.Counts()
	status := job.Status()
	fmt.Fprintf(os.Stderr, "Job %s: %s (succeeded=%d failed=%d cancelled=%d)\n",
		job.ID, status, succeeded, failed, cancelled)

	entries := job.Export()
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, out, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Export written to %s\n", *outPath)
	} else {
		fmt.Println(string(out))
	}

	if status != bulk.JobCompleted {
		return fmt.Errorf("job finished %s: %d succeeded, %d failed, %d cancelled",
			status, succeeded, failed, cancelled)
	}
	return nil
}

// buildRequest assembles the recognition request shared by the commands.
func buildRequest(backend, languages string, threshold float64, region *ocr.Rect) (*ocr.Request, error) {
	req := &ocr.Request{
		ConfidenceThreshold: threshold,
		Region:              region,
	}

	if backend != "" {
		kind, err := ocr.ParseBackendKind(backend)
		if err != nil {
			return nil, err
		}
		req.Backend = kind
	}

	if languages != "" {
		req.Languages = csvList(languages)
	}

	return req, nil
}

// loadImageFile reads an image file into a capture image, sniffing its format.
func loadImageFile(path string) (*ocr.CaptureImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	format := clients.SniffImageFormat(data)
	if format == "" {
		return nil, fmt.Errorf("%s is not a supported image format", path)
	}

	img := &ocr.CaptureImage{
		Data:       data,
		Format:     format,
		CapturedAt: time.Now().UTC(),
	}
	if width, height, derr := ocr.DecodeBounds(data); derr == nil {
		img.Width = width
		img.Height = height
	}

	return img, nil
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// collectImagePaths resolves -dir or -files into an ordered path list.
func collectImagePaths(dir, files string) ([]string, error) {
	if dir != "" && files != "" {
		return nil, fmt.Errorf("-dir and -files are mutually exclusive")
	}

	if files != "" {
		paths := csvList(files)
		if len(paths) == 0 {
			return nil, fmt.Errorf("-files named no files")
		}
		return paths, nil
	}

	if dir == "" {
		return nil, fmt.Errorf("either -dir or -files is required")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no image files found in %s", dir)
	}
	return paths, nil
}

// parseRegion parses "x,y,w,h" into a rectangle.
func parseRegion(s string) (*ocr.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("region must be x,y,w,h, got %q", s)
	}

	values := make([]int, 4)
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("region component %q is not an integer", part)
		}
		values[i] = v
	}

	rect := &ocr.Rect{X: values[0], Y: values[1], Width: values[2], Height: values[3]}
	if rect.IsEmpty() {
		return nil, fmt.Errorf("region must have positive width and height")
	}
	return rect, nil
}

// csvList splits a comma-separated flag value, dropping empty entries.
func csvList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
