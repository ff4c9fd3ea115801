package snapshot

import (
	"context"
	"encoding/json"
	"os"

	"batcheval/internal/model"
	apperrors "batcheval/pkg/errors"
)

// FileBackend persists a StateSnapshot as a single JSON document at path.
type FileBackend struct {
	path string
}

// NewFileBackend creates a Backend writing to and reading from path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Persist(ctx context.Context, snap model.StateSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.ExportError, "failed to marshal state snapshot", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.ExportError, "failed to write state snapshot", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return apperrors.Wrap(apperrors.ExportError, "failed to finalize state snapshot write", err)
	}
	return nil
}

func (b *FileBackend) Load(ctx context.Context) (*model.StateSnapshot, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.ExportError, "failed to read state snapshot", err)
	}
	var snap model.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperrors.Wrap(apperrors.ExportError, "failed to unmarshal state snapshot", err)
	}
	return &snap, nil
}
