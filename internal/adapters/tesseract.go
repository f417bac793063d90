/**
 * Tesseract adapter - on-device OCR
 *
 * Local, offline recognition through Tesseract. Always available, so it
 * doubles as the guaranteed fallback for every remote backend. Unlike the
 * remote adapters it returns true per-line geometry with native confidence
 * scores.
 */

package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// TesseractAdapter performs on-device OCR through gosseract.
type TesseractAdapter struct {
	cfg    ocr.BackendConfig
	logger *logging.Logger
}

// NewTesseractAdapter creates the on-device adapter.
func NewTesseractAdapter(cfg ocr.BackendConfig) *TesseractAdapter {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	return &TesseractAdapter{
		cfg:    cfg,
		logger: logging.NewLogger("TesseractAdapter"),
	}
}

// Kind identifies the backend this adapter serves.
func (t *TesseractAdapter) Kind() ocr.BackendKind {
	return ocr.KindTesseract
}

// Recognize runs one Tesseract pass over the image.
func (t *TesseractAdapter) Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) (*ocr.Result, error) {
	startTime := time.Now()

	if ctx.Err() != nil {
		return nil, errors.NewTimeoutError(string(t.Kind()), t.cfg.Timeout, ctx.Err())
	}

	img, cropErr := applyRegion(img, req)
	if cropErr != nil {
		return nil, cropErr
	}

	languages := requestLanguages(req, t.cfg)

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(languages...); err != nil {
		return nil, errors.NewParseError(string(t.Kind()), "failed to configure languages", err)
	}

	if err := client.SetImageFromBytes(img.Data); err != nil {
		return nil, errors.NewCaptureError("tesseract could not read the image", err)
	}

	regions, err := t.lineRegions(client, languages[0])
	if err != nil {
		return nil, err
	}

	// The Tesseract call is blocking CGO; all we can do is notice an expired
	// deadline before handing the result back.
	if ctx.Err() != nil {
		return nil, errors.NewTimeoutError(string(t.Kind()), t.cfg.Timeout, ctx.Err())
	}

	regions = ocr.SortReadingOrder(regions)
	result := ocr.NewResult(regions, t.Kind())
	result.Duration = time.Since(startTime)

	t.logger.Debug("Recognition complete",
		"regions", len(result.Regions),
		"confidence", result.Confidence,
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}

// lineRegions extracts per-line regions with native confidence. When box
// extraction yields nothing usable it degrades to plain text with a
// heuristic confidence over one whole-image region.
func (t *TesseractAdapter) lineRegions(client *gosseract.Client, language string) ([]ocr.TextRegion, error) {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err == nil && len(boxes) > 0 {
		regions := make([]ocr.TextRegion, 0, len(boxes))
		for _, box := range boxes {
			text := strings.TrimSpace(box.Word)
			if text == "" {
				continue
			}
			regions = append(regions, ocr.TextRegion{
				Bounds: ocr.Rect{
					X:      box.Box.Min.X,
					Y:      box.Box.Min.Y,
					Width:  box.Box.Dx(),
					Height: box.Box.Dy(),
				},
				Text:       text,
				Confidence: box.Confidence / 100.0,
				Language:   language,
			})
		}
		if len(regions) > 0 {
			return regions, nil
		}
	}

	text, textErr := client.Text()
	if textErr != nil {
		return nil, errors.NewParseError(string(t.Kind()), "tesseract produced no output", textErr)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		// A blank image is a valid empty result, not a failure.
		return nil, nil
	}

	t.logger.Debug("Box extraction unavailable, degrading to whole-image region")

	return []ocr.TextRegion{{
		Text:       text,
		Confidence: calculateTesseractConfidence(text),
		Language:   language,
	}}, nil
}

// calculateTesseractConfidence estimates confidence from text quality when
// Tesseract supplies no per-line scores.
func calculateTesseractConfidence(text string) float64 {
	confidence := 0.5 // Base confidence

	// Check text length
	if len(text) > 1000 {
		confidence += 0.1
	}
	if len(text) > 5000 {
		confidence += 0.1
	}

	// Check for coherent words (simple heuristic)
	words := strings.Fields(text)
	if len(words) > 100 {
		confidence += 0.1
	}

	// Check for reasonable character distribution
	alphaCount := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alphaCount++
		}
	}
	if len(text) > 0 {
		alphaRatio := float64(alphaCount) / float64(len(text))
		if alphaRatio > 0.5 && alphaRatio < 0.9 {
			confidence += 0.1
		}
	}

	// Cap at reasonable maximum for Tesseract without native scores
	if confidence > 0.85 {
		confidence = 0.85
	}

	return confidence
}
