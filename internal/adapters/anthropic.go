/**
 * Anthropic adapter - messages API vision OCR
 *
 * Sends the image as a base64 source block to the messages endpoint and
 * treats the first text block of the reply as the recognition output.
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

const anthropicVersion = "2023-06-01"

// AnthropicAdapter talks to the Anthropic messages API.
type AnthropicAdapter struct {
	cfg        ocr.BackendConfig
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicAdapter creates an adapter for the anthropic backend.
func NewAnthropicAdapter(cfg ocr.BackendConfig) *AnthropicAdapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}

	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &AnthropicAdapter{
		cfg:      cfg,
		endpoint: endpoint,
		model:    model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("AnthropicAdapter"),
	}
}

// Kind identifies the backend this adapter serves.
func (a *AnthropicAdapter) Kind() ocr.BackendKind {
	return ocr.KindAnthropic
}

// Recognize performs one messages API call.
func (a *AnthropicAdapter) Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) (*ocr.Result, error) {
	startTime := time.Now()
	backend := string(a.Kind())

	img, cropErr := applyRegion(img, req)
	if cropErr != nil {
		return nil, cropErr
	}

	payload := anthropicRequest{
		Model:     a.model,
		MaxTokens: 4096,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: []anthropicContent{
				{
					Type: "image",
					Source: &anthropicSource{
						Type:      "base64",
						MediaType: imageMIME(img.Format),
						Data:      base64.StdEncoding.EncodeToString(img.Data),
					},
				},
				{Type: "text", Text: instructionFor(req, a.cfg)},
			},
		}},
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewParseError(backend, "failed to marshal request", err)
	}

	endpoint := a.endpoint + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.NewNetworkError(backend, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
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

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.NewParseError(backend, "failed to parse provider response", err)
	}

	if parsed.Error != nil {
		return nil, errors.NewParseError(backend, fmt.Sprintf("provider error: %s", parsed.Error.Message), nil)
	}

	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" && len(parsed.Content) == 0 {
		return nil, errors.NewParseError(backend, "provider response carried no content blocks", nil)
	}

	text = stripCodeFences(text)
	regions := wholeImageRegions(text, heuristicConfidence(a.cfg), requestLanguages(req, a.cfg)[0])

	result := ocr.NewResult(regions, a.Kind())
	result.Duration = time.Since(startTime)

	a.logger.Info("Recognition complete",
		"model", a.model,
		"textLength", len(result.FullText),
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}
