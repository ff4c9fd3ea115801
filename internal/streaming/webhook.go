package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"batcheval/internal/model"
)

const webhookRetryDelay = time.Second

// webhookPayload is the wrapped body posted to the configured endpoint.
type webhookPayload struct {
	Timestamp time.Time           `json:"timestamp"`
	Result    model.RowResult `json:"result"`
}

// webhookSink posts each committed result to an HTTP endpoint. On
// failure it retries exactly once after a short pause; a second failure
// is logged and swallowed rather than propagated, so a flaky downstream
// endpoint never blocks batch commit liveness.
type webhookSink struct {
	cfg    model.ExportConfig
	client *http.Client
	logger *slog.Logger
}

func newWebhookSink(cfg model.ExportConfig) *webhookSink {
	timeout := cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &webhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default(),
	}
}

func (s *webhookSink) Initialize(ctx context.Context) error {
	return nil
}

func (s *webhookSink) ExportResult(ctx context.Context, result model.RowResult) error {
	if !shouldInclude(s.cfg, result) {
		return nil
	}

	payload := webhookPayload{Timestamp: time.Now(), Result: result}
	body, err := json.Marshal(payload)
	if err != nil {
		// A marshal failure is this module's bug, not the endpoint's; it
		// is not retryable and does not fit the swallow policy below.
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	if err := s.post(ctx, body); err == nil {
		return nil
	}

	select {
	case <-time.After(webhookRetryDelay):
	case <-ctx.Done():
		return nil
	}

	if err := s.post(ctx, body); err != nil {
		s.logger.Warn("webhook export failed after retry, dropping",
			"row_id", result.ID, "row_index", result.Index, "error", err)
	}
	return nil
}

func (s *webhookSink) post(ctx context.Context, body []byte) error {
	method := s.cfg.Webhook.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	contentType := s.cfg.Webhook.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range s.cfg.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *webhookSink) Finalize(ctx context.Context) error {
	return nil
}
