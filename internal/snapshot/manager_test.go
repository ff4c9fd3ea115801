package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcheval/internal/model"
)

func TestManager_UpdateStampsLastUpdateTime(t *testing.T) {
	m := New(nil, nil)
	m.Initialize(model.StateSnapshot{BatchID: "b1", TotalRows: 3})

	before := time.Now()
	m.Update(func(s *model.StateSnapshot) {
		s.ProcessedRowIndices = map[int]struct{}{0: {}}
	})

	cur := m.Current()
	assert.Equal(t, "b1", cur.BatchID)
	assert.Contains(t, cur.ProcessedRowIndices, 0)
	assert.False(t, cur.LastUpdateTime.Before(before))
}

func TestManager_CurrentReturnsDefensiveCopy(t *testing.T) {
	m := New(nil, nil)
	m.Initialize(model.StateSnapshot{
		BatchID:             "b1",
		ProcessedRowIndices: map[int]struct{}{0: {}},
	})

	copy1 := m.Current()
	copy1.ProcessedRowIndices[1] = struct{}{}

	copy2 := m.Current()
	assert.NotContains(t, copy2.ProcessedRowIndices, 1, "mutating a returned snapshot must not affect the live one")
}

func TestManager_SaveRoundTripsThroughFileBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	backend := NewFileBackend(path)

	var savedViaCallback model.StateSnapshot
	m := New(backend, func(s model.StateSnapshot) error {
		savedViaCallback = s
		return nil
	})
	m.Initialize(model.StateSnapshot{
		BatchID:             "b2",
		TotalRows:           5,
		ProcessedRowIndices: map[int]struct{}{0: {}, 1: {}},
	})

	ctx := context.Background()
	require.NoError(t, m.Save(ctx))
	assert.Equal(t, "b2", savedViaCallback.BatchID)

	loaded, err := backend.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "b2", loaded.BatchID)
	assert.Len(t, loaded.ProcessedRowIndices, 2)
}

func TestFileBackend_LoadMissingFileReturnsNilNil(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "does-not-exist.json"))
	loaded, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestManager_CleanupStopsTimerAndSavesOnce(t *testing.T) {
	dir := t.TempDir()
	backend := NewFileBackend(filepath.Join(dir, "snapshot.json"))
	saves := 0
	m := New(backend, func(model.StateSnapshot) error {
		saves++
		return nil
	})
	m.Initialize(model.StateSnapshot{BatchID: "b3"})

	ctx := context.Background()
	m.StartPeriodicSave(ctx, time.Hour, nil) // long interval: cleanup's final save is the only one expected
	require.NoError(t, m.Cleanup(ctx))
	assert.Equal(t, 1, saves)

	loaded, err := backend.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "b3", loaded.BatchID)
}
