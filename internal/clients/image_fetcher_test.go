/**
 * Tests for the bulk image fetcher
 *
 * Downloads run against httptest servers. Retry tests use the real backoff
 * schedule, so the slowest case waits one base delay.
 */

package clients

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/snaptext/ocr-worker/internal/errors"
)

func TestFetchSuccess(t *testing.T) {
	data := testPNGBytes(t, 8, 6)

	var accept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer server.Close()

	fetcher := NewImageFetcher(5*time.Second, 0, 0)
	img, err := fetcher.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if accept != "image/*" {
		t.Errorf("Accept header mismatch: got %q, want image/*", accept)
	}
	if img.Format != "png" {
		t.Errorf("Format mismatch: got %q, want png", img.Format)
	}
	if !bytes.Equal(img.Data, data) {
		t.Errorf("Data mismatch: got %d bytes, want %d", len(img.Data), len(data))
	}
	if img.Width != 8 || img.Height != 6 {
		t.Errorf("Bounds mismatch: got %dx%d, want 8x6", img.Width, img.Height)
	}
	if img.CapturedAt.IsZero() {
		t.Error("CapturedAt not set")
	}
}

func TestFetchEmptyURL(t *testing.T) {
	fetcher := NewImageFetcher(time.Second, 0, 0)

	_, err := fetcher.Fetch(context.Background(), "   ")
	if errors.CodeOf(err) != errors.ErrorInvalidRequest {
		t.Errorf("Empty URL error mismatch: got %v, want INVALID_REQUEST", err)
	}
}

func TestFetchClientErrorFailsFast(t *testing.T) {
	server, counter := countingServer(func(w http.ResponseWriter, r *http.Request, n int) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	defer server.Close()

	fetcher := NewImageFetcher(time.Second, 3, 0)
	_, err := fetcher.Fetch(context.Background(), server.URL)

	if errors.CodeOf(err) != errors.ErrorFetchFailed {
		t.Errorf("Error code mismatch: got %v, want FETCH_FAILED", err)
	}
	if got := counter.count(); got != 1 {
		t.Errorf("Request count mismatch: got %d, want 1", got)
	}
}

func TestFetchRetriesServerError(t *testing.T) {
	data := testPNGBytes(t, 4, 4)
	server, counter := countingServer(func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})
	defer server.Close()

	fetcher := NewImageFetcher(time.Second, 2, 0)
	img, err := fetcher.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch failed after retry: %v", err)
	}

	if img.Format != "png" {
		t.Errorf("Format mismatch: got %q, want png", img.Format)
	}
	if got := counter.count(); got != 2 {
		t.Errorf("Request count mismatch: got %d, want 2", got)
	}
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	server, counter := countingServer(func(w http.ResponseWriter, r *http.Request, n int) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	defer server.Close()

	fetcher := NewImageFetcher(time.Second, 1, 0)
	_, err := fetcher.Fetch(context.Background(), server.URL)

	if errors.CodeOf(err) != errors.ErrorFetchFailed {
		t.Errorf("Error code mismatch: got %v, want FETCH_FAILED", err)
	}
	if got := counter.count(); got != 2 {
		t.Errorf("Request count mismatch: got %d, want 2", got)
	}
}

func TestFetchRejectsOversizedImage(t *testing.T) {
	data := testPNGBytes(t, 32, 32)
	server, counter := countingServer(func(w http.ResponseWriter, r *http.Request, n int) {
		w.Write(data)
	})
	defer server.Close()

	fetcher := NewImageFetcher(time.Second, 2, 16)
	_, err := fetcher.Fetch(context.Background(), server.URL)

	if errors.CodeOf(err) != errors.ErrorFetchFailed {
		t.Errorf("Error code mismatch: got %v, want FETCH_FAILED", err)
	}
	// Oversized payloads do not shrink on retry.
	if got := counter.count(); got != 1 {
		t.Errorf("Request count mismatch: got %d, want 1", got)
	}
}

func TestFetchRejectsNonImagePayload(t *testing.T) {
	server, counter := countingServer(func(w http.ResponseWriter, r *http.Request, n int) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not an image</html>"))
	})
	defer server.Close()

	fetcher := NewImageFetcher(time.Second, 2, 0)
	_, err := fetcher.Fetch(context.Background(), server.URL)

	if errors.CodeOf(err) != errors.ErrorFetchFailed {
		t.Errorf("Error code mismatch: got %v, want FETCH_FAILED", err)
	}
	if got := counter.count(); got != 1 {
		t.Errorf("Request count mismatch: got %d, want 1", got)
	}
}

func TestSniffImageFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte("\x89PNG\r\n\x1a\nrest"), "png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, "jpeg"},
		{"gif87a", []byte("GIF87a...."), "gif"},
		{"gif89a", []byte("GIF89a...."), "gif"},
		{"webp", []byte("RIFF\x10\x00\x00\x00WEBPVP8 "), "webp"},
		{"bmp", []byte("BM\x36\x00"), "bmp"},
		{"tiff little endian", []byte("II*\x00data"), "tiff"},
		{"tiff big endian", []byte("MM\x00*data"), "tiff"},
		{"riff without webp", []byte("RIFF\x10\x00\x00\x00WAVEfmt "), ""},
		{"truncated riff", []byte("RIFF\x10"), ""},
		{"plain text", []byte("hello world"), ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SniffImageFormat(tt.data); got != tt.want {
				t.Errorf("Format mismatch: got %q, want %q", got, tt.want)
			}
		})
	}
}

// requestCounter tracks how many requests a test server has seen.
type requestCounter struct {
	mu sync.Mutex
	n  int
}

func (c *requestCounter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *requestCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// countingServer wraps a handler so each invocation knows its attempt number.
func countingServer(handler func(w http.ResponseWriter, r *http.Request, n int)) (*httptest.Server, *requestCounter) {
	counter := &requestCounter{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, counter.next())
	}))
	return server, counter
}

func testPNGBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			canvas.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}
