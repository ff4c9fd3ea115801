// Package streaming implements the Streaming Sink: incremental,
// per-row export of committed results to a delimited-text file, a
// structured-document file, or an outbound webhook.
package streaming

import (
	"context"

	"batcheval/internal/model"
	apperrors "batcheval/pkg/errors"
)

// Sink writes each committed RowResult to an external destination as it
// becomes available. A return from ExportResult is the orchestrator's
// acknowledgement that the row may now be appended to the in-memory
// result list (commit invariant 5).
type Sink interface {
	Initialize(ctx context.Context) error
	ExportResult(ctx context.Context, result model.RowResult) error
	Finalize(ctx context.Context) error
}

// New constructs the Sink matching cfg.Format. FormatAuto is never valid
// for a streaming destination; callers must pass a concrete format.
func New(cfg model.ExportConfig) (Sink, error) {
	switch cfg.Format {
	case model.FormatDelimited:
		return newDelimitedSink(cfg), nil
	case model.FormatStructured:
		return newStructuredSink(cfg), nil
	case model.FormatWebhook:
		if cfg.Webhook == nil {
			return nil, apperrors.NewConfigurationError(
				"webhook export requires WebhookConfig", "ExportConfig.Webhook is nil")
		}
		return newWebhookSink(cfg), nil
	default:
		return nil, apperrors.NewConfigurationError(
			"unsupported streaming export format", string(cfg.Format))
	}
}

// shouldInclude applies the projection's predicate: if set, it is checked
// against the whole result and can suppress the row entirely. The
// include/exclude field lists are applied per column by fieldAllowed.
func shouldInclude(cfg model.ExportConfig, result model.RowResult) bool {
	if cfg.FilterCondition != nil && !cfg.FilterCondition(result) {
		return false
	}
	return true
}

// fieldAllowed applies the include/exclude lists to one column name.
// Include, if non-empty, is an allowlist; exclude removes named fields
// from whatever remains.
func fieldAllowed(cfg model.ExportConfig, field string) bool {
	if len(cfg.IncludeFields) > 0 {
		found := false
		for _, f := range cfg.IncludeFields {
			if f == field {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, f := range cfg.ExcludeFields {
		if f == field {
			return false
		}
	}
	return true
}
