/**
 * Tests for the OpenAI-style adapter
 *
 * Runs the adapter against a local httptest server and checks the request
 * shape, response handling and error classification for every status class.
 */

package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

func TestOpenAIRecognize(t *testing.T) {
	var captured openAIRequest
	var authHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Path mismatch: got %q, want /chat/completions", r.URL.Path)
		}
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"` + "```" + `\nHELLO WORLD\n` + "```" + `"}}]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(ocr.BackendConfig{
		Kind:     ocr.KindOpenAI,
		APIKey:   "test-key",
		Endpoint: server.URL,
		Model:    "gpt-4o",
	})

	result, err := adapter.Recognize(context.Background(), testCapture(t, 20, 20), nil)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if authHeader != "Bearer test-key" {
		t.Errorf("Authorization mismatch: got %q, want %q", authHeader, "Bearer test-key")
	}
	if captured.Model != "gpt-4o" {
		t.Errorf("Model mismatch: got %q, want gpt-4o", captured.Model)
	}
	if len(captured.Messages) != 1 || len(captured.Messages[0].Content) != 2 {
		t.Fatalf("Message shape mismatch: %+v", captured.Messages)
	}
	imagePart := captured.Messages[0].Content[1]
	if imagePart.ImageURL == nil || !strings.HasPrefix(imagePart.ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("Image part missing data URL: %+v", imagePart)
	}

	if result.FullText != "HELLO WORLD" {
		t.Errorf("FullText mismatch: got %q, want %q", result.FullText, "HELLO WORLD")
	}
	if result.Backend != ocr.KindOpenAI {
		t.Errorf("Backend mismatch: got %q, want %q", result.Backend, ocr.KindOpenAI)
	}
	if result.Confidence != 0.9 {
		t.Errorf("Confidence mismatch: got %f, want 0.9", result.Confidence)
	}
	if len(result.Regions) != 1 || !result.Regions[0].WholeImage() {
		t.Errorf("Expected one whole-image region, got %+v", result.Regions)
	}
	if result.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  map[string]string
		body    string
		want    errors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, nil, `{"error":{"message":"bad key"}}`, errors.ErrorAuth},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "2"}, `{}`, errors.ErrorRateLimit},
		{"server error", http.StatusInternalServerError, nil, `{}`, errors.ErrorNetwork},
		{"malformed body", http.StatusOK, nil, `{not json`, errors.ErrorParse},
		{"no choices", http.StatusOK, nil, `{"choices":[]}`, errors.ErrorParse},
		{"embedded error", http.StatusOK, nil, `{"error":{"message":"model overloaded","type":"server_error"}}`, errors.ErrorParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := NewOpenAIAdapter(ocr.BackendConfig{
				Kind:     ocr.KindOpenAI,
				APIKey:   "test-key",
				Endpoint: server.URL,
			})

			_, err := adapter.Recognize(context.Background(), testCapture(t, 20, 20), nil)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if code := errors.CodeOf(err); code != tt.want {
				t.Errorf("Code mismatch: got %s, want %s", code, tt.want)
			}
		})
	}
}

func TestOpenAIRateLimitHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "4")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(ocr.BackendConfig{
		Kind:     ocr.KindOpenAI,
		APIKey:   "test-key",
		Endpoint: server.URL,
	})

	_, err := adapter.Recognize(context.Background(), testCapture(t, 20, 20), nil)
	if hint := errors.RetryAfterHint(err); hint != 4*time.Second {
		t.Errorf("Hint mismatch: got %v, want %v", hint, 4*time.Second)
	}
}

func TestOpenAITimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(ocr.BackendConfig{
		Kind:     ocr.KindOpenAI,
		APIKey:   "test-key",
		Endpoint: server.URL,
		Timeout:  50 * time.Millisecond,
	})

	_, err := adapter.Recognize(context.Background(), testCapture(t, 20, 20), nil)
	if code := errors.CodeOf(err); code != errors.ErrorTimeout {
		t.Errorf("Code mismatch: got %s, want %s", code, errors.ErrorTimeout)
	}
}

func TestOpenAIServesGrok(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"grok text"}}]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(ocr.BackendConfig{
		Kind:     ocr.KindGrok,
		APIKey:   "test-key",
		Endpoint: server.URL,
		Model:    "grok-2-vision-1212",
	})

	if adapter.Kind() != ocr.KindGrok {
		t.Errorf("Kind mismatch: got %q, want %q", adapter.Kind(), ocr.KindGrok)
	}

	result, err := adapter.Recognize(context.Background(), testCapture(t, 20, 20), nil)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if result.Backend != ocr.KindGrok {
		t.Errorf("Backend mismatch: got %q, want %q", result.Backend, ocr.KindGrok)
	}
}

func TestOpenAIRegionCrop(t *testing.T) {
	var dataURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		dataURL = req.Messages[0].Content[1].ImageURL.URL
		w.Write([]byte(`{"choices":[{"message":{"content":"cropped"}}]}`))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(ocr.BackendConfig{
		Kind:     ocr.KindOpenAI,
		APIKey:   "test-key",
		Endpoint: server.URL,
	})

	full := testCapture(t, 100, 100)
	req := &ocr.Request{Region: &ocr.Rect{X: 0, Y: 0, Width: 10, Height: 10}}

	if _, err := adapter.Recognize(context.Background(), full, req); err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	// The cropped upload must be smaller than the full image payload.
	fullLen := len("data:image/png;base64,") + base64.StdEncoding.EncodedLen(len(full.Data))
	if len(dataURL) >= fullLen {
		t.Errorf("Upload not cropped: got %d bytes, full image would be %d", len(dataURL), fullLen)
	}
}
