/**
 * Tests for the Gemini adapter
 *
 * Runs the adapter against a local httptest server and checks the
 * generateContent request shape, key placement and part joining.
 */

package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

func TestGeminiRecognize(t *testing.T) {
	var captured geminiRequest
	var path, key string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"part one "},{"text":"part two"}]}}]}`))
	}))
	defer server.Close()

	adapter := NewGeminiAdapter(ocr.BackendConfig{
		Kind:     ocr.KindGemini,
		APIKey:   "test-key",
		Endpoint: server.URL,
		Model:    "gemini-1.5-flash",
	})

	result, err := adapter.Recognize(context.Background(), testCapture(t, 20, 20), nil)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if want := "/v1beta/models/gemini-1.5-flash:generateContent"; path != want {
		t.Errorf("Path mismatch: got %q, want %q", path, want)
	}
	if key != "test-key" {
		t.Errorf("Query key mismatch: got %q, want test-key", key)
	}
	if len(captured.Contents) != 1 || len(captured.Contents[0].Parts) != 2 {
		t.Fatalf("Content shape mismatch: %+v", captured.Contents)
	}
	inline := captured.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/png" || inline.Data == "" {
		t.Errorf("Inline data mismatch: %+v", inline)
	}
	if captured.GenerationConfig.Temperature != 0 {
		t.Errorf("Temperature mismatch: got %f, want 0", captured.GenerationConfig.Temperature)
	}

	// Candidate parts are concatenated before trimming.
	if result.FullText != "part one part two" {
		t.Errorf("FullText mismatch: got %q, want %q", result.FullText, "part one part two")
	}
	if result.Backend != ocr.KindGemini {
		t.Errorf("Backend mismatch: got %q, want %q", result.Backend, ocr.KindGemini)
	}
}

func TestGeminiErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, errors.ErrorAuth},
		{"rate limited", http.StatusTooManyRequests, `{}`, errors.ErrorRateLimit},
		{"server error", http.StatusServiceUnavailable, `{}`, errors.ErrorNetwork},
		{"malformed body", http.StatusOK, `not json`, errors.ErrorParse},
		{"no candidates", http.StatusOK, `{"candidates":[]}`, errors.ErrorParse},
		{"embedded error", http.StatusOK, `{"error":{"code":400,"message":"invalid image","status":"INVALID_ARGUMENT"}}`, errors.ErrorParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := NewGeminiAdapter(ocr.BackendConfig{
				Kind:     ocr.KindGemini,
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

func TestGeminiLanguageHintInPrompt(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Contents[0].Parts[0].Text
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer server.Close()

	adapter := NewGeminiAdapter(ocr.BackendConfig{
		Kind:     ocr.KindGemini,
		APIKey:   "test-key",
		Endpoint: server.URL,
	})

	req := &ocr.Request{Languages: []string{"kor", "eng"}}
	if _, err := adapter.Recognize(context.Background(), testCapture(t, 20, 20), req); err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if !strings.Contains(prompt, "kor, eng") {
		t.Errorf("Prompt missing language hints: %q", prompt)
	}
}
