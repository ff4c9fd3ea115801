package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"batcheval/internal/model"
	apperrors "batcheval/pkg/errors"
)

// bulkWebhookPayload is the body posted for post-hoc webhook export,
// distinct from the per-row streaming payload.
type bulkWebhookPayload struct {
	Timestamp time.Time        `json:"timestamp"`
	Results   []model.RowResult `json:"results"`
	Count     int              `json:"count"`
}

// ExportBulk writes the full accumulated results to cfg's destination in
// one pass: for file-based destinations this drives the same Sink used
// for streaming (initialize, one ExportResult per row, finalize); for a
// webhook destination it batches results into cfg.Webhook.BatchSize-sized
// chunks and sends each one (POST unless cfg.Webhook.Method says
// otherwise), propagating the first failure (unlike the
// streaming webhook sink, a bulk export failure is not swallowed — it is
// the caller's direct request and should surface).
func ExportBulk(ctx context.Context, cfg model.ExportConfig, results []model.RowResult) error {
	if cfg.Format == model.FormatWebhook {
		return exportBulkWebhook(ctx, cfg, results)
	}

	sink, err := New(cfg)
	if err != nil {
		return err
	}
	if err := sink.Initialize(ctx); err != nil {
		return err
	}
	for _, r := range results {
		if err := sink.ExportResult(ctx, r); err != nil {
			return err
		}
	}
	return sink.Finalize(ctx)
}

func exportBulkWebhook(ctx context.Context, cfg model.ExportConfig, results []model.RowResult) error {
	if cfg.Webhook == nil {
		return apperrors.NewConfigurationError("webhook export requires WebhookConfig", "ExportConfig.Webhook is nil")
	}
	batchSize := cfg.Webhook.BatchSize
	if batchSize <= 0 {
		batchSize = len(results)
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	timeout := cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	method := cfg.Webhook.Method
	if method == "" {
		method = http.MethodPost
	}
	contentType := cfg.Webhook.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	for start := 0; start < len(results); start += batchSize {
		end := start + batchSize
		if end > len(results) {
			end = len(results)
		}
		chunk := results[start:end]

		filtered := make([]model.RowResult, 0, len(chunk))
		for _, r := range chunk {
			if shouldInclude(cfg, r) {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			continue
		}

		payload := bulkWebhookPayload{Timestamp: time.Now(), Results: filtered, Count: len(filtered)}
		body, err := json.Marshal(payload)
		if err != nil {
			return apperrors.NewExportError("failed to marshal bulk webhook payload", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, cfg.Webhook.URL, bytes.NewReader(body))
		if err != nil {
			return apperrors.NewExportError("failed to build bulk webhook request", err)
		}
		req.Header.Set("Content-Type", contentType)
		for k, v := range cfg.Webhook.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return apperrors.NewExportError("bulk webhook request failed", err)
		}
		status := resp.StatusCode
		resp.Body.Close()
		if status < 200 || status >= 300 {
			return apperrors.NewExportError(fmt.Sprintf("bulk webhook returned status %d", status), nil)
		}
	}
	return nil
}
