package streaming

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcheval/internal/model"
)

func sampleResult(idx int) model.RowResult {
	return model.RowResult{
		ID:    "row-" + string(rune('0'+idx)),
		Index: idx,
		EffectiveInput: model.Row{
			CandidateText: "the quick brown fox",
			Extra:         map[string]any{"tag": "smoke"},
		},
		Outcomes: []model.EvaluatorOutcome{
			{EvaluatorName: "exact-match", ScoreType: model.ScoreNumeric, NumericScore: 0.9},
		},
		DurationMs:  42,
		CompletedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDelimitedSink_WritesHeaderOnceAndAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	cfg := model.ExportConfig{Format: model.FormatDelimited, Path: path}

	sink, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Initialize(ctx))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(0)))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(1)))
	require.NoError(t, sink.Finalize(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + 2 rows
	assert.Contains(t, records[0], "candidate_text")
	assert.Contains(t, records[0], "input_tag")
	assert.Contains(t, records[0], "score")
}

func TestDelimitedSink_AppendModeSkipsHeaderWhenFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,index\nrow-0,0\n"), 0o644))

	cfg := model.ExportConfig{Format: model.FormatDelimited, Path: path, AppendToExisting: true}
	sink, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Initialize(ctx))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(1)))
	require.NoError(t, sink.Finalize(ctx))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(contents), "\n"), "\n")
	assert.Len(t, lines, 3) // original header+row, plus one appended row — no new header
}

func TestStructuredSink_ProducesValidJSONArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	cfg := model.ExportConfig{Format: model.FormatStructured, Path: path}

	sink, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Initialize(ctx))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(0)))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(1)))
	require.NoError(t, sink.Finalize(ctx))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed []map[string]string
	require.NoError(t, json.Unmarshal(contents, &parsed))
	require.Len(t, parsed, 2)
}

func TestStructuredSink_EmptyBatchStillValidArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	cfg := model.ExportConfig{Format: model.FormatStructured, Path: path}

	sink, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Initialize(ctx))
	require.NoError(t, sink.Finalize(ctx))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	var parsed []map[string]string
	require.NoError(t, json.Unmarshal(contents, &parsed))
	assert.Empty(t, parsed)
}

func TestWebhookSink_PostsWrappedPayload(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := model.ExportConfig{
		Format:  model.FormatWebhook,
		Webhook: &model.WebhookConfig{URL: server.URL},
	}
	sink, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Initialize(ctx))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(0)))

	select {
	case body := <-received:
		assert.Contains(t, body, "timestamp")
		assert.Contains(t, body, "result")
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestWebhookSink_SwallowsErrorAfterRetry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := model.ExportConfig{
		Format:  model.FormatWebhook,
		Webhook: &model.WebhookConfig{URL: server.URL},
	}
	sink, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Initialize(ctx))

	err = sink.ExportResult(ctx, sampleResult(0))
	assert.NoError(t, err, "webhook sink swallows its final error")
	assert.Equal(t, 2, calls, "expected exactly one retry after the initial failure")
}

func TestFilterCondition_SuppressesRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	cfg := model.ExportConfig{
		Format: model.FormatDelimited,
		Path:   path,
		FilterCondition: func(r model.RowResult) bool {
			return r.Index != 0
		},
	}
	sink, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Initialize(ctx))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(0)))
	require.NoError(t, sink.ExportResult(ctx, sampleResult(1)))
	require.NoError(t, sink.Finalize(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2) // header + row 1 only
}
