/**
 * Gemini adapter - generateContent vision OCR
 *
 * Sends the image as an inline_data part to the generateContent endpoint
 * and joins the candidate text parts into the recognition output. The API
 * key travels in the query string, so request URLs are never logged.
 */

package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// GeminiAdapter talks to the Gemini generateContent API.
type GeminiAdapter struct {
	cfg        ocr.BackendConfig
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiAdapter creates an adapter for the gemini backend.
func NewGeminiAdapter(cfg ocr.BackendConfig) *GeminiAdapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com"
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &GeminiAdapter{
		cfg:      cfg,
		endpoint: endpoint,
		model:    model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("GeminiAdapter"),
	}
}

// Kind identifies the backend this adapter serves.
func (a *GeminiAdapter) Kind() ocr.BackendKind {
	return ocr.KindGemini
}

// Recognize performs one generateContent call.
func (a *GeminiAdapter) Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) (*ocr.Result, error) {
	startTime := time.Now()
	backend := string(a.Kind())

	img, cropErr := applyRegion(img, req)
	if cropErr != nil {
		return nil, cropErr
	}

	payload := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: instructionFor(req, a.cfg)},
				{InlineData: &geminiInlineData{
					MimeType: imageMIME(img.Format),
					Data:     base64.StdEncoding.EncodeToString(img.Data),
				}},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     0.0,
			MaxOutputTokens: 4096,
		},
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewParseError(backend, "failed to marshal request", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.endpoint, a.model, a.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.NewNetworkError(backend, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	a.logger.Debug("Requesting recognition", "model", a.model, "imageBytes", len(img.Data))

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, backend, a.httpClient.Timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewNetworkError(backend, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(backend, resp.StatusCode, resp.Header, body)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.NewParseError(backend, "failed to parse provider response", err)
	}

	if parsed.Error != nil {
		return nil, errors.NewParseError(backend, fmt.Sprintf("provider error: %s", parsed.Error.Message), nil)
	}

	if len(parsed.Candidates) == 0 {
		return nil, errors.NewParseError(backend, "provider response carried no candidates", nil)
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	text := stripCodeFences(sb.String())
	regions := wholeImageRegions(text, heuristicConfidence(a.cfg), requestLanguages(req, a.cfg)[0])

	result := ocr.NewResult(regions, a.Kind())
	result.Duration = time.Since(startTime)

	a.logger.Info("Recognition complete",
		"model", a.model,
		"textLength", len(result.FullText),
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}
