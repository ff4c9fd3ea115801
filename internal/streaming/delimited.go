package streaming

import (
	"context"
	"encoding/csv"
	"os"
	"sync"

	"batcheval/internal/model"
	apperrors "batcheval/pkg/errors"
)

// delimitedSink writes committed results as CSV records to a file,
// writing the header exactly once on the first non-appended record.
type delimitedSink struct {
	cfg model.ExportConfig

	mu            sync.Mutex
	file          *os.File
	writer        *csv.Writer
	headerWritten bool
	columns       []string
}

func newDelimitedSink(cfg model.ExportConfig) *delimitedSink {
	return &delimitedSink{cfg: cfg}
}

func (s *delimitedSink) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipHeader := false
	if s.cfg.AppendToExisting {
		if info, err := os.Stat(s.cfg.Path); err == nil && info.Size() > 0 {
			skipHeader = true
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if s.cfg.AppendToExisting {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(s.cfg.Path, flags, 0o644)
	if err != nil {
		return apperrors.NewExportError("failed to open delimited export destination", err)
	}

	s.file = f
	s.writer = csv.NewWriter(f)
	s.headerWritten = skipHeader
	return nil
}

func (s *delimitedSink) ExportResult(ctx context.Context, result model.RowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !shouldInclude(s.cfg, result) {
		return nil
	}

	keys, values := flattenRowResult(s.cfg, result)
	if !s.headerWritten {
		s.columns = keys
		if err := s.writer.Write(s.columns); err != nil {
			return apperrors.NewExportError("failed to write delimited header", err)
		}
		s.headerWritten = true
	}
	if s.columns == nil {
		// Appending to an existing file: the header is already there, so
		// only the column order for this sink's records is fixed here.
		s.columns = keys
	}

	record := make([]string, len(s.columns))
	for i, col := range s.columns {
		record[i] = values[col]
	}
	if err := s.writer.Write(record); err != nil {
		return apperrors.NewExportError("failed to write delimited record", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return apperrors.NewExportError("failed to flush delimited record", err)
	}
	return nil
}

func (s *delimitedSink) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file == nil {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return apperrors.NewExportError("failed to close delimited export destination", err)
	}
	return nil
}
