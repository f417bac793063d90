/**
 * Image fetcher for bulk job inputs
 *
 * Downloads capture images referenced by URL in queued bulk jobs. Transient
 * failures (transport errors, 5xx, 429) retry with doubling delays; client
 * errors fail immediately. Downloads are size-capped and sniffed by magic
 * bytes so a misbehaving URL cannot feed arbitrary payloads into the
 * recognition pipeline.
 */

package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// DefaultMaxImageBytes caps a single download at 20 MB.
const DefaultMaxImageBytes = 20 << 20

const fetchBaseDelay = 500 * time.Millisecond
const fetchMaxDelay = 5 * time.Second

// ImageFetcher downloads images for queued bulk jobs.
type ImageFetcher struct {
	httpClient *http.Client
	maxRetries int
	maxBytes   int64
	logger     *logging.Logger
}

// NewImageFetcher creates a fetcher with a per-request timeout, a retry
// budget for transient failures, and a download size cap.
func NewImageFetcher(timeout time.Duration, maxRetries int, maxBytes int64) *ImageFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &ImageFetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: maxRetries,
		maxBytes:   maxBytes,
		logger:     logging.NewLogger("ImageFetcher"),
	}
}

// Fetch downloads one image and wraps it as a capture.
func (f *ImageFetcher) Fetch(ctx context.Context, url string) (*ocr.CaptureImage, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.NewInvalidRequestError("image url must not be empty")
	}

	maxAttempts := f.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		img, retryable, err := f.fetchOnce(ctx, url)
		if err == nil {
			return img, nil
		}
		lastErr = err

		if !retryable || attempt == maxAttempts {
			break
		}

		delayMs := float64(fetchBaseDelay.Milliseconds()) * math.Pow(2, float64(attempt-1))
		delay := time.Duration(delayMs) * time.Millisecond
		if delay > fetchMaxDelay {
			delay = fetchMaxDelay
		}

		f.logger.Warn("Image fetch failed, retrying",
			"url", url,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"error", err.Error())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.NewFetchFailedError(url, ctx.Err())
		}
	}

	return nil, errors.NewFetchFailedError(url, lastErr)
}

// fetchOnce performs a single download attempt. retryable reports whether
// the failure is worth another attempt.
func (f *ImageFetcher) fetchOnce(ctx context.Context, url string) (img *ocr.CaptureImage, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, false, fmt.Errorf("image exceeds the %d byte download limit", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("response body was empty")
	}

	format := SniffImageFormat(data)
	if format == "" {
		return nil, false, fmt.Errorf("response is not a supported image format (content-type %q)", resp.Header.Get("Content-Type"))
	}

	capture := &ocr.CaptureImage{
		Data:       data,
		Format:     format,
		CapturedAt: time.Now().UTC(),
	}
	if width, height, derr := ocr.DecodeBounds(data); derr == nil {
		capture.Width = width
		capture.Height = height
	}

	f.logger.Debug("Image fetched",
		"url", url,
		"bytes", len(data),
		"format", format)

	return capture, false, nil
}

// SniffImageFormat identifies an image payload by its magic bytes. It
// returns "" for unrecognized data.
func SniffImageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "gif"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(data, []byte("BM")):
		return "bmp"
	case bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")):
		return "tiff"
	default:
		return ""
	}
}
