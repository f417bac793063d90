/**
 * OCR orchestrator - retry, fallback, and confidence policy
 *
 * Single-request entry point above the adapters. The orchestrator owns every
 * policy decision the adapters deliberately do not make: retrying transient
 * failures with exponential backoff, honoring provider retry-after hints,
 * falling back to the on-device engine, and flagging low-confidence output.
 * Recognize never returns an error; the result carries one instead so batch
 * and interactive callers handle success and failure uniformly.
 */

package orchestrator

import (
	"context"
	"math"
	"time"

	"github.com/snaptext/ocr-worker/internal/adapters"
	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// Options configures orchestration policy. Per-backend config values override
// MaxRetries and RequestTimeout for attempts against that backend.
type Options struct {
	// DefaultBackend serves requests that do not name a backend.
	DefaultBackend ocr.BackendKind

	// ConfidenceThreshold marks results below it as low confidence and, when
	// fallback is enabled, triggers the on-device re-attempt.
	ConfidenceThreshold float64

	// MaxRetries bounds re-attempts after the first try. Only transient
	// failures (network, rate limit, timeout) are retried.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; it doubles each
	// retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestTimeout bounds a single adapter attempt.
	RequestTimeout time.Duration

	// FallbackEnabled permits one on-device re-attempt after the requested
	// backend exhausts its retries or returns low-confidence text.
	FallbackEnabled bool
}

func (o Options) withDefaults() Options {
	if o.DefaultBackend == "" {
		o.DefaultBackend = ocr.KindTesseract
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 1 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	return o
}

// Resolver supplies adapters and their configuration by backend kind.
// *adapters.Registry is the production implementation.
type Resolver interface {
	Resolve(kind ocr.BackendKind) (adapters.Adapter, error)
	ConfigFor(kind ocr.BackendKind) (ocr.BackendConfig, bool)
}

// Orchestrator drives recognition requests across the registered adapters.
type Orchestrator struct {
	registry Resolver
	opts     Options
	logger   *logging.Logger
}

// New creates an orchestrator over a registry of adapters.
func New(registry Resolver, opts Options) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		opts:     opts.withDefaults(),
		logger:   logging.NewLogger("Orchestrator"),
	}
}

// Recognize runs one capture through the recognition pipeline and always
// returns a result; failures travel in the result's error field.
func (o *Orchestrator) Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
	startTime := time.Now()

	if img == nil || img.IsEmpty() {
		result := ocr.FailedResult(o.opts.DefaultBackend, errors.NewCaptureError("capture image is empty", nil))
		result.Duration = time.Since(startTime)
		return result
	}

	kind := o.opts.DefaultBackend
	if req != nil && req.Backend != "" {
		kind = req.Backend
	}

	adapter, err := o.registry.Resolve(kind)
	if err != nil {
		ocrErr, ok := errors.AsOCRError(err)
		if !ok {
			ocrErr = errors.NewUnknownBackendError(string(kind))
		}
		result := ocr.FailedResult(kind, ocrErr)
		result.Duration = time.Since(startTime)
		return result
	}

	threshold := o.opts.ConfidenceThreshold
	if req != nil && req.ConfidenceThreshold > 0 {
		threshold = req.ConfidenceThreshold
	}

	result := o.attemptWithRetries(ctx, adapter, img, req)

	if o.shouldFallBack(kind, result, threshold) {
		result = o.fallBack(ctx, result, img, req)
	}

	if result.Err == nil && result.Confidence < threshold {
		result.LowConfidence = true
		o.logger.Warn("Recognition confidence below threshold",
			"backend", string(result.Backend),
			"confidence", result.Confidence,
			"threshold", threshold)
	}

	result.Duration = time.Since(startTime)
	return result
}

// attemptWithRetries invokes one adapter up to 1+maxRetries times, backing
// off between transient failures. Auth and parse failures end the loop
// immediately.
func (o *Orchestrator) attemptWithRetries(ctx context.Context, adapter adapters.Adapter, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
	kind := adapter.Kind()
	maxRetries := o.opts.MaxRetries
	timeout := o.opts.RequestTimeout
	if cfg, ok := o.registry.ConfigFor(kind); ok {
		if cfg.MaxRetries > 0 {
			maxRetries = cfg.MaxRetries
		}
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
	}

	maxAttempts := maxRetries + 1
	var lastErr *errors.OCRError

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := o.attemptOnce(ctx, adapter, img, req, timeout)
		if err == nil {
			if attempt > 1 {
				o.logger.Info("Recognition succeeded after retry",
					"backend", string(kind),
					"attempt", attempt)
			}
			return result
		}

		ocrErr, ok := errors.AsOCRError(err)
		if !ok {
			ocrErr = errors.NewNetworkError(string(kind), err)
		}
		lastErr = ocrErr

		if attempt == maxAttempts || !errors.IsRetryable(ocrErr) {
			break
		}

		delay := backoffDelay(attempt, o.opts.InitialBackoff, o.opts.MaxBackoff, errors.RetryAfterHint(ocrErr))
		o.logger.Warn("Recognition attempt failed, retrying",
			"backend", string(kind),
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"errorCode", string(ocrErr.Code),
			"delay_ms", delay.Milliseconds())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ocr.FailedResult(kind, lastErr)
		}
	}

	o.logger.Error("Recognition failed",
		"backend", string(kind),
		"errorCode", string(lastErr.Code),
		"error", lastErr.Message)
	return ocr.FailedResult(kind, lastErr)
}

// attemptOnce performs exactly one adapter call under the per-attempt
// timeout.
func (o *Orchestrator) attemptOnce(ctx context.Context, adapter adapters.Adapter, img *ocr.CaptureImage, req *ocr.Request, timeout time.Duration) (*ocr.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := adapter.Recognize(attemptCtx, img, req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.NewParseError(string(adapter.Kind()), "adapter returned no result", nil)
	}
	return result, nil
}

// shouldFallBack decides whether the on-device re-attempt applies.
func (o *Orchestrator) shouldFallBack(kind ocr.BackendKind, result *ocr.Result, threshold float64) bool {
	if !o.opts.FallbackEnabled || kind == ocr.KindTesseract {
		return false
	}
	return result.Failed() || result.Confidence < threshold
}

// fallBack re-attempts once on the on-device adapter and folds the two
// outcomes into the best available result.
func (o *Orchestrator) fallBack(ctx context.Context, primary *ocr.Result, img *ocr.CaptureImage, req *ocr.Request) *ocr.Result {
	adapter, err := o.registry.Resolve(ocr.KindTesseract)
	if err != nil {
		return primary
	}

	reason := "low confidence"
	if primary.Failed() {
		reason = string(primary.Err.Code)
	}
	o.logger.Warn("Falling back to on-device recognition",
		"primaryBackend", string(primary.Backend),
		"reason", reason)

	timeout := o.opts.RequestTimeout
	if cfg, ok := o.registry.ConfigFor(ocr.KindTesseract); ok && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	fallback, err := o.attemptOnce(ctx, adapter, img, req, timeout)
	if err != nil {
		if primary.Failed() {
			// Both engines failed; the primary error wins and the fallback
			// failure rides along in its details.
			if primary.Err.Details == nil {
				primary.Err.Details = make(map[string]interface{})
			}
			primary.Err.Details["fallback_error"] = err.Error()
		}
		return primary
	}

	if primary.Failed() || fallback.Confidence > primary.Confidence {
		return fallback
	}
	return primary
}

// backoffDelay computes the wait before the next attempt. A provider-supplied
// retry-after hint overrides the exponential schedule.
func backoffDelay(attempt int, initial, max time.Duration, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	backoffMs := float64(initial.Milliseconds()) * math.Pow(2, float64(attempt-1))
	delay := time.Duration(backoffMs) * time.Millisecond
	if delay > max {
		delay = max
	}
	if delay <= 0 {
		delay = initial
	}
	return delay
}
