/**
 * Core OCR data model for the SnapText worker
 *
 * Defines the capture/request/result types shared by every recognition
 * backend. Remote providers return free-form text without geometry, so a
 * result may hold a single whole-image region; the on-device engine returns
 * true per-line geometry. Confidence scores are internally consistent per
 * backend but are not comparable across backends.
 */

package ocr

import (
	"time"

	"github.com/snaptext/ocr-worker/internal/errors"
)

// BackendKind identifies one recognition engine.
type BackendKind string

const (
	KindTesseract BackendKind = "tesseract"
	KindOpenAI    BackendKind = "openai"
	KindAnthropic BackendKind = "anthropic"
	KindGemini    BackendKind = "gemini"
	KindGrok      BackendKind = "grok"
)

// KnownKinds lists every supported backend kind, on-device first.
func KnownKinds() []BackendKind {
	return []BackendKind{KindTesseract, KindOpenAI, KindAnthropic, KindGemini, KindGrok}
}

// ParseBackendKind converts a configuration string into a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	for _, k := range KnownKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.NewUnknownBackendError(s)
}

// IsRemote reports whether the kind performs network I/O.
func (k BackendKind) IsRemote() bool {
	return k != KindTesseract && k != ""
}

// Rect is a pixel rectangle. The zero Rect is the whole-image sentinel used
// when a backend supplies no geometry.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsEmpty reports whether the rectangle carries no usable area.
func (r Rect) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// CaptureImage is an encoded image plus its source metadata. The caller owns
// it; recognition borrows it for one call and never retains it.
type CaptureImage struct {
	Data       []byte    `json:"-"`
	Format     string    `json:"format"` // "png", "jpeg", ...
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Monitor    int       `json:"monitor"`
	CapturedAt time.Time `json:"captured_at"`
}

// IsEmpty reports whether the image cannot be recognized at all.
func (img *CaptureImage) IsEmpty() bool {
	return img == nil || len(img.Data) == 0 || img.Width <= 0 || img.Height <= 0
}

// Request describes one recognition call.
type Request struct {
	// Backend selects the adapter; empty means the configured default.
	Backend BackendKind `json:"backend,omitempty"`

	// Languages are ordered hints, most likely first (e.g. "eng", "deu").
	Languages []string `json:"languages,omitempty"`

	// ConfidenceThreshold in [0,1]; results below it trigger the on-device
	// fallback and are flagged LowConfidence.
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// Region restricts recognition to a sub-rectangle of the image.
	Region *Rect `json:"region,omitempty"`
}

// Clone returns an independent copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Languages != nil {
		cp.Languages = append([]string(nil), r.Languages...)
	}
	if r.Region != nil {
		reg := *r.Region
		cp.Region = &reg
	}
	return &cp
}

// TextRegion is one recognized span of text.
type TextRegion struct {
	// Bounds is the region geometry; the zero Rect means "whole image".
	Bounds     Rect    `json:"bounds"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // always in [0,1]
	Language   string  `json:"language,omitempty"`
}

// WholeImage reports whether the region has no geometry of its own.
func (t TextRegion) WholeImage() bool {
	return t.Bounds.IsEmpty()
}

// Result is the normalized outcome of one recognition call. It never
// represents failure by absence: a failed call still produces a Result whose
// Err field carries the terminal error, so batch and interactive callers
// handle success and failure uniformly.
type Result struct {
	// Regions in reading order (top-to-bottom, left-to-right) when geometry
	// is known, insertion order otherwise.
	Regions []TextRegion `json:"regions"`

	// FullText is the regions' text joined by newlines.
	FullText string `json:"full_text"`

	// Confidence aggregates the region confidences; it always lies within
	// [min, max] of the regions' confidences, and is 0 when there are none.
	Confidence float64 `json:"confidence"`

	// Backend that actually produced this result (after any fallback).
	Backend BackendKind `json:"backend"`

	// Duration covers the whole call including retries and fallback.
	Duration time.Duration `json:"duration"`

	// Err is the terminal error, nil on success. At most one.
	Err *errors.OCRError `json:"error,omitempty"`

	// LowConfidence marks a non-fatal result below the requested threshold.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// NewResult builds a successful Result from regions, clamping region
// confidences into [0,1] and deriving full text and aggregate confidence.
func NewResult(regions []TextRegion, backend BackendKind) *Result {
	for i := range regions {
		regions[i].Confidence = ClampConfidence(regions[i].Confidence)
	}
	return &Result{
		Regions:    regions,
		FullText:   JoinRegions(regions),
		Confidence: AggregateConfidence(regions),
		Backend:    backend,
	}
}

// FailedResult builds a Result carrying a terminal error.
func FailedResult(backend BackendKind, err *errors.OCRError) *Result {
	return &Result{
		Backend: backend,
		Err:     err,
	}
}

// Failed reports whether the result carries a terminal error.
func (r *Result) Failed() bool {
	return r != nil && r.Err != nil
}

// Clone returns an independent copy of the result. The error value is shared;
// OCRError values are treated as immutable once created.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Regions != nil {
		cp.Regions = append([]TextRegion(nil), r.Regions...)
	}
	return &cp
}

// JoinRegions derives the result full text: region texts joined by newline.
func JoinRegions(regions []TextRegion) string {
	if len(regions) == 0 {
		return ""
	}
	out := regions[0].Text
	for _, reg := range regions[1:] {
		out += "\n" + reg.Text
	}
	return out
}

// AggregateConfidence reduces region confidences to one score. The mean keeps
// the aggregate inside [min, max] of its inputs; no regions means 0.
func AggregateConfidence(regions []TextRegion) float64 {
	if len(regions) == 0 {
		return 0
	}
	sum := 0.0
	for _, reg := range regions {
		sum += reg.Confidence
	}
	return ClampConfidence(sum / float64(len(regions)))
}

// ClampConfidence forces a confidence score into [0,1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BackendConfig holds the static configuration for one backend.
type BackendConfig struct {
	Kind     BackendKind
	APIKey   string
	Endpoint string
	Model    string

	// Timeout bounds a single recognition attempt.
	Timeout time.Duration

	// MaxRetries overrides the global retry budget when > 0. Retrying is the
	// orchestrator's job; adapters themselves are single-attempt.
	MaxRetries int

	// HeuristicConfidence is assigned to geometry-less remote responses,
	// which carry no native probability.
	HeuristicConfidence float64

	// Languages are the default hints when a request supplies none.
	Languages []string
}
