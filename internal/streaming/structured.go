package streaming

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"batcheval/internal/model"
	apperrors "batcheval/pkg/errors"
)

// structuredSink writes committed results as comma-separated JSON
// projections between a manually-written opening and closing bracket,
// so the destination is a valid JSON array even though records are
// appended one at a time as they commit.
type structuredSink struct {
	cfg model.ExportConfig

	mu          sync.Mutex
	file        *os.File
	wroteFirst  bool
}

func newStructuredSink(cfg model.ExportConfig) *structuredSink {
	return &structuredSink{cfg: cfg}
}

func (s *structuredSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.NewExportError("failed to open structured export destination", err)
	}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return apperrors.NewExportError("failed to write opening bracket", err)
	}
	s.file = f
	return nil
}

func (s *structuredSink) ExportResult(ctx context.Context, result model.RowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !shouldInclude(s.cfg, result) {
		return nil
	}

	projection := projectResult(s.cfg, result)
	payload, err := json.Marshal(projection)
	if err != nil {
		return apperrors.NewExportError("failed to marshal structured record", err)
	}

	if s.wroteFirst {
		if _, err := s.file.WriteString(",\n"); err != nil {
			return apperrors.NewExportError("failed to write record separator", err)
		}
	}
	if _, err := s.file.Write(payload); err != nil {
		return apperrors.NewExportError("failed to write structured record", err)
	}
	s.wroteFirst = true
	return nil
}

func (s *structuredSink) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if _, err := s.file.WriteString("\n]\n"); err != nil {
		return apperrors.NewExportError("failed to write closing bracket", err)
	}
	if err := s.file.Close(); err != nil {
		return apperrors.NewExportError("failed to close structured export destination", err)
	}
	return nil
}

// projectResult applies include/exclude field filtering to a RowResult's
// flattened representation, reusing the same column rules as the
// delimited sink so both destinations project identically.
func projectResult(cfg model.ExportConfig, result model.RowResult) map[string]string {
	_, values := flattenRowResult(cfg, result)
	return values
}
