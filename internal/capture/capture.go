/**
 * Screen capture source for the SnapText OCR worker
 *
 * Wraps github.com/kbinani/screenshot behind the capture contract the CLI
 * drives: full-screen and region capture produce PNG-encoded CaptureImages;
 * window capture is not available through the library and reports
 * NoActiveWindow.
 */

package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// Kind selects what a capture request grabs.
type Kind string

const (
	KindFullScreen Kind = "fullscreen"
	KindRegion     Kind = "region"
	KindWindow     Kind = "window"
)

// ParseKind maps a user-facing name to a capture kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fullscreen", "full", "screen":
		return KindFullScreen, nil
	case "region", "rect":
		return KindRegion, nil
	case "window":
		return KindWindow, nil
	default:
		return "", fmt.Errorf("unknown capture kind %q", s)
	}
}

// Request describes one capture.
type Request struct {
	Kind    Kind
	Display int      // fullscreen: display index, 0 is primary
	Region  ocr.Rect // region: virtual-screen coordinates
}

// Source produces capture images for the recognition pipeline.
type Source interface {
	Capture(ctx context.Context, req Request) (*ocr.CaptureImage, error)
}

// ScreenSource captures from the local displays.
type ScreenSource struct {
	logger *logging.Logger
}

// NewScreenSource creates the display-backed capture source.
func NewScreenSource() *ScreenSource {
	return &ScreenSource{logger: logging.NewLogger("ScreenSource")}
}

// Capture grabs the requested screen content as a PNG capture image.
func (s *ScreenSource) Capture(ctx context.Context, req Request) (*ocr.CaptureImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCaptureError("capture cancelled", err)
	}

	displays := screenshot.NumActiveDisplays()
	if displays == 0 {
		return nil, errors.NewPermissionDeniedError("no active displays; headless session or screen recording permission missing", nil)
	}

	switch req.Kind {
	case KindFullScreen, "":
		return s.captureDisplay(req.Display, displays)
	case KindRegion:
		return s.captureRegion(req.Region)
	case KindWindow:
		return nil, errors.NewNoActiveWindowError()
	default:
		return nil, errors.NewCaptureError(fmt.Sprintf("unknown capture kind %q", req.Kind), nil)
	}
}

func (s *ScreenSource) captureDisplay(display, active int) (*ocr.CaptureImage, error) {
	if display < 0 || display >= active {
		return nil, errors.NewCaptureError(fmt.Sprintf("display %d out of range, %d active", display, active), nil)
	}

	img, err := screenshot.CaptureDisplay(display)
	if err != nil {
		return nil, errors.NewCaptureError(fmt.Sprintf("failed to capture display %d", display), err)
	}

	return s.encode(img, display)
}

func (s *ScreenSource) captureRegion(region ocr.Rect) (*ocr.CaptureImage, error) {
	if region.IsEmpty() {
		return nil, errors.NewCaptureError("region must have positive width and height", nil)
	}

	bounds := image.Rect(region.X, region.Y, region.X+region.Width, region.Y+region.Height)

	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, errors.NewCaptureError(fmt.Sprintf("failed to capture region %dx%d at (%d,%d)", region.Width, region.Height, region.X, region.Y), err)
	}

	return s.encode(img, 0)
}

// encode freezes the RGBA frame as PNG bytes with capture metadata.
func (s *ScreenSource) encode(img *image.RGBA, monitor int) (*ocr.CaptureImage, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.NewCaptureError("failed to encode capture", err)
	}

	bounds := img.Bounds()
	capture := &ocr.CaptureImage{
		Data:       buf.Bytes(),
		Format:     "png",
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Monitor:    monitor,
		CapturedAt: time.Now().UTC(),
	}

	s.logger.Debug("Captured screen", "monitor", monitor, "width", capture.Width, "height", capture.Height, "bytes", len(capture.Data))

	return capture, nil
}
