/**
 * Export client - delivers finished bulk jobs to an external sink
 *
 * Posts the flat ordered export list of a terminal bulk job to a configured
 * webhook. The sink owns persistence; this client only delivers. Transient
 * failures retry a fixed number of times before the delivery is reported
 * failed.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snaptext/ocr-worker/internal/bulk"
	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
)

const exportAttempts = 3

// ExportClient posts export lists to a webhook.
type ExportClient struct {
	webhookURL string
	authToken  string
	httpClient *http.Client
	logger     *logging.Logger
}

// ExportPayload is the webhook body for one terminal job.
type ExportPayload struct {
	JobID      string             `json:"job_id"`
	Status     string             `json:"status"`
	Total      int                `json:"total"`
	Entries    []bulk.ExportEntry `json:"entries"`
	ExportedAt time.Time          `json:"exported_at"`
}

// NewExportClient creates a client for the given webhook. An empty URL
// disables delivery.
func NewExportClient(webhookURL, authToken string) *ExportClient {
	return &ExportClient{
		webhookURL: strings.TrimSpace(webhookURL),
		authToken:  authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("ExportClient"),
	}
}

// Enabled reports whether a webhook is configured.
func (c *ExportClient) Enabled() bool {
	return c.webhookURL != ""
}

// Deliver posts one job's export list. Entries must be in submission order.
func (c *ExportClient) Deliver(ctx context.Context, jobID string, status bulk.JobStatus, entries []bulk.ExportEntry) error {
	if !c.Enabled() {
		return nil
	}
	if jobID == "" {
		return errors.NewInvalidRequestError("job id is required for export")
	}

	payload := ExportPayload{
		JobID:      jobID,
		Status:     string(status),
		Total:      len(entries),
		Entries:    entries,
		ExportedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.NewExportFailedError(fmt.Errorf("failed to marshal export payload: %w", err))
	}

	var lastErr error
	for attempt := 1; attempt <= exportAttempts; attempt++ {
		retryable, err := c.post(ctx, body)
		if err == nil {
			c.logger.Info("Export delivered",
				"jobID", jobID,
				"entries", len(entries),
				"attempt", attempt)
			return nil
		}
		lastErr = err

		if !retryable || attempt == exportAttempts {
			break
		}

		c.logger.Warn("Export delivery failed, retrying",
			"jobID", jobID,
			"attempt", attempt,
			"error", err.Error())

		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return errors.NewExportFailedError(ctx.Err())
		}
	}

	return errors.NewExportFailedError(lastErr)
}

func (c *ExportClient) post(ctx context.Context, body []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source", "snaptext-ocr-worker")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return retry, fmt.Errorf("export sink returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return false, nil
}
