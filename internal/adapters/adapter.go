/**
 * Recognition backend adapters
 *
 * One adapter per engine behind a uniform single-attempt contract. Adapters
 * never retry and never fall back; they perform exactly one recognition
 * attempt, honor the configured timeout, and report coded errors. Retry and
 * fallback policy lives in the orchestrator.
 */

package adapters

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// recognitionInstruction is the prompt sent to generalist vision providers.
const recognitionInstruction = "Extract all text from this image. " +
	"Return only the recognized text, preserving line breaks and reading order. " +
	"Do not add commentary, explanations, or formatting."

// defaultTimeout bounds a recognition attempt when no timeout is configured.
const defaultTimeout = 60 * time.Second

// defaultHeuristicConfidence is assigned to geometry-less remote responses
// when the backend config does not set one.
const defaultHeuristicConfidence = 0.9

// Adapter is the uniform contract over one recognition engine.
type Adapter interface {
	// Kind identifies the backend this adapter serves.
	Kind() ocr.BackendKind

	// Recognize performs exactly one recognition attempt. The returned error
	// is always a coded *errors.OCRError.
	Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) (*ocr.Result, error)
}

// Registry maps backend kinds to their adapters.
type Registry struct {
	adapters map[ocr.BackendKind]Adapter
	configs  map[ocr.BackendKind]ocr.BackendConfig
}

// NewRegistry builds adapters for every supplied backend config.
func NewRegistry(configs []ocr.BackendConfig) (*Registry, error) {
	r := &Registry{
		adapters: make(map[ocr.BackendKind]Adapter, len(configs)),
		configs:  make(map[ocr.BackendKind]ocr.BackendConfig, len(configs)),
	}

	for _, cfg := range configs {
		var adapter Adapter
		switch cfg.Kind {
		case ocr.KindTesseract:
			adapter = NewTesseractAdapter(cfg)
		case ocr.KindOpenAI, ocr.KindGrok:
			adapter = NewOpenAIAdapter(cfg)
		case ocr.KindAnthropic:
			adapter = NewAnthropicAdapter(cfg)
		case ocr.KindGemini:
			adapter = NewGeminiAdapter(cfg)
		default:
			return nil, errors.NewUnknownBackendError(string(cfg.Kind))
		}
		r.adapters[cfg.Kind] = adapter
		r.configs[cfg.Kind] = cfg
	}

	return r, nil
}

// Resolve returns the adapter for a kind.
func (r *Registry) Resolve(kind ocr.BackendKind) (Adapter, error) {
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, errors.NewUnknownBackendError(string(kind))
	}
	return adapter, nil
}

// ConfigFor returns the config the adapter was built from.
func (r *Registry) ConfigFor(kind ocr.BackendKind) (ocr.BackendConfig, bool) {
	cfg, ok := r.configs[kind]
	return cfg, ok
}

// Kinds lists the registered backends in a stable order.
func (r *Registry) Kinds() []ocr.BackendKind {
	kinds := make([]ocr.BackendKind, 0, len(r.adapters))
	for _, k := range ocr.KnownKinds() {
		if _, ok := r.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// applyRegion performs the region-of-interest crop pre-step when the request
// asks for one.
func applyRegion(img *ocr.CaptureImage, req *ocr.Request) (*ocr.CaptureImage, *errors.OCRError) {
	if req == nil || req.Region == nil || req.Region.IsEmpty() {
		return img, nil
	}
	cropped, err := ocr.Crop(img, *req.Region)
	if err != nil {
		return nil, errors.NewCaptureError("region-of-interest crop failed", err)
	}
	return cropped, nil
}

// wholeImageRegions normalizes free-form provider text into the single
// whole-image region shape. Empty text produces no regions at all.
func wholeImageRegions(text string, confidence float64, language string) []ocr.TextRegion {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []ocr.TextRegion{{
		Text:       text,
		Confidence: confidence,
		Language:   language,
	}}
}

// requestLanguages picks the request hints, falling back to the configured
// defaults.
func requestLanguages(req *ocr.Request, cfg ocr.BackendConfig) []string {
	if req != nil && len(req.Languages) > 0 {
		return req.Languages
	}
	if len(cfg.Languages) > 0 {
		return cfg.Languages
	}
	return []string{"eng"}
}

// instructionFor builds the provider prompt, appending the language hints.
func instructionFor(req *ocr.Request, cfg ocr.BackendConfig) string {
	langs := requestLanguages(req, cfg)
	return fmt.Sprintf("%s The text is primarily in: %s.", recognitionInstruction, strings.Join(langs, ", "))
}

// heuristicConfidence returns the confidence assigned to remote text without
// native probabilities.
func heuristicConfidence(cfg ocr.BackendConfig) float64 {
	if cfg.HeuristicConfidence > 0 {
		return ocr.ClampConfidence(cfg.HeuristicConfidence)
	}
	return defaultHeuristicConfidence
}

// imageMIME maps a capture format to its MIME type for provider payloads.
func imageMIME(format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}

// stripCodeFences removes a Markdown code fence some models wrap output in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag on the opening fence line.
		if !strings.ContainsAny(s[:idx], " \t") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// classifyStatus maps a non-200 provider response to a coded error.
func classifyStatus(backend string, status int, header http.Header, body []byte) *errors.OCRError {
	cause := fmt.Errorf("status %d: %s", status, truncateBody(body))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewAuthError(backend, cause)
	case status == http.StatusTooManyRequests:
		return errors.NewRateLimitError(backend, parseRetryAfter(header.Get("Retry-After")), cause)
	case status == http.StatusRequestTimeout:
		return errors.NewTimeoutError(backend, 0, cause)
	case status >= 500:
		return errors.NewNetworkError(backend, cause)
	default:
		return errors.NewParseError(backend, fmt.Sprintf("provider rejected request with status %d", status), cause)
	}
}

// classifyTransport maps a transport-level failure to Timeout or Network.
func classifyTransport(ctx context.Context, backend string, timeout time.Duration, err error) *errors.OCRError {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewTimeoutError(backend, timeout, err)
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return errors.NewTimeoutError(backend, timeout, err)
	}
	return errors.NewNetworkError(backend, err)
}

// parseRetryAfter reads an HTTP Retry-After header: either delay seconds or
// an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
