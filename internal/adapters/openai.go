/**
 * OpenAI-style adapter - chat-completions vision OCR
 *
 * Sends the image as a data-URL content part to a chat-completions endpoint
 * and treats the reply text as the recognition output. Serves the openai
 * backend and any OpenAI-compatible provider (grok via api.x.ai).
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

// OpenAIAdapter talks to a chat-completions vision endpoint.
type OpenAIAdapter struct {
	cfg        ocr.BackendConfig
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content []openAIContent `json:"content"`
}

type openAIContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIAdapter creates an adapter for openai or any compatible endpoint.
func NewOpenAIAdapter(cfg ocr.BackendConfig) *OpenAIAdapter {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		if cfg.Kind == ocr.KindGrok {
			endpoint = "https://api.x.ai/v1"
		} else {
			endpoint = "https://api.openai.com/v1"
		}
	}

	model := cfg.Model
	if model == "" {
		if cfg.Kind == ocr.KindGrok {
			model = "grok-2-vision-1212"
		} else {
			model = "gpt-4o"
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	component := "OpenAIAdapter"
	if cfg.Kind == ocr.KindGrok {
		component = "GrokAdapter"
	}

	return &OpenAIAdapter{
		cfg:      cfg,
		endpoint: endpoint,
		model:    model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger(component),
	}
}

// Kind identifies the backend this adapter serves.
func (a *OpenAIAdapter) Kind() ocr.BackendKind {
	return a.cfg.Kind
}

// Recognize performs one chat-completions call.
func (a *OpenAIAdapter) Recognize(ctx context.Context, img *ocr.CaptureImage, req *ocr.Request) (*ocr.Result, error) {
	startTime := time.Now()
	backend := string(a.Kind())

	img, cropErr := applyRegion(img, req)
	if cropErr != nil {
		return nil, cropErr
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", imageMIME(img.Format), base64.StdEncoding.EncodeToString(img.Data))

	payload := openAIRequest{
		Model: a.model,
		Messages: []openAIMessage{{
			Role: "user",
			Content: []openAIContent{
				{Type: "text", Text: instructionFor(req, a.cfg)},
				{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}},
			},
		}},
		MaxTokens: 4096,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewParseError(backend, "failed to marshal request", err)
	}

	endpoint := a.endpoint + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.NewNetworkError(backend, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
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

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.NewParseError(backend, "failed to parse provider response", err)
	}

	if parsed.Error != nil {
		return nil, errors.NewParseError(backend, fmt.Sprintf("provider error: %s", parsed.Error.Message), nil)
	}

	if len(parsed.Choices) == 0 {
		return nil, errors.NewParseError(backend, "provider response carried no choices", nil)
	}

	text := stripCodeFences(parsed.Choices[0].Message.Content)
	regions := wholeImageRegions(text, heuristicConfidence(a.cfg), requestLanguages(req, a.cfg)[0])

	result := ocr.NewResult(regions, a.Kind())
	result.Duration = time.Since(startTime)

	a.logger.Info("Recognition complete",
		"model", a.model,
		"textLength", len(result.FullText),
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}
