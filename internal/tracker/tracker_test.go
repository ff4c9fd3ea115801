package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batcheval/internal/model"
)

func TestTracker_StartEmitsImmediately(t *testing.T) {
	var events []model.ProgressEvent
	tr := New(10, time.Hour, CostAssumptions{}, func(e model.ProgressEvent) error {
		events = append(events, e)
		return nil
	})

	require.NoError(t, tr.Start())
	require.Len(t, events, 1)
	assert.Equal(t, model.ProgressStarted, events[0].Kind)
	assert.Equal(t, 10, events[0].TotalRows)
}

func TestTracker_RateLimitedProgressEmission(t *testing.T) {
	var events []model.ProgressEvent
	tr := New(5, time.Hour, CostAssumptions{}, func(e model.ProgressEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, tr.Start())

	// Within the emit interval, subsequent successes should not emit again.
	require.NoError(t, tr.RecordSuccess(100, nil))
	require.NoError(t, tr.RecordSuccess(100, nil))

	assert.Len(t, events, 1, "progress events rate-limited to once per interval beyond the forced start emission")

	progress := tr.CurrentProgress()
	assert.Equal(t, 2, progress.ProcessedRows)
	assert.Equal(t, 2, progress.Successful)
}

func TestTracker_RecordFailureIncrementsFailed(t *testing.T) {
	tr := New(3, time.Hour, CostAssumptions{}, nil)
	require.NoError(t, tr.Start())
	require.NoError(t, tr.RecordFailure(50))

	progress := tr.CurrentProgress()
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, 1, progress.ProcessedRows)
	assert.Equal(t, 0, progress.Successful)
}

func TestTracker_RecordRetryEmitsRegardlessOfInterval(t *testing.T) {
	var kinds []model.ProgressEventKind
	tr := New(5, time.Hour, CostAssumptions{}, func(e model.ProgressEvent) error {
		kinds = append(kinds, e.Kind)
		return nil
	})
	require.NoError(t, tr.Start())
	require.NoError(t, tr.RecordRetry(errors.New("429 too many requests"), 1))
	require.NoError(t, tr.RecordRetry(errors.New("timeout"), 2))

	require.Len(t, kinds, 3)
	assert.Equal(t, model.ProgressRetry, kinds[1])
	assert.Equal(t, model.ProgressRetry, kinds[2])
}

func TestTracker_SkipRowsCountsAsProcessedWithoutDurationSample(t *testing.T) {
	tr := New(10, time.Hour, CostAssumptions{}, nil)
	tr.SkipRows(4)

	progress := tr.CurrentProgress()
	assert.Equal(t, 4, progress.ProcessedRows)
	assert.Equal(t, 4, progress.Successful)
	assert.Nil(t, progress.AverageRowTime)
}

func TestTracker_AverageRowTimeAndETA(t *testing.T) {
	tr := New(4, time.Hour, CostAssumptions{}, nil)
	require.NoError(t, tr.Start())
	require.NoError(t, tr.RecordSuccess(100, nil))
	tr.mu.Lock()
	tr.lastEmitAt = time.Time{} // force next snapshot to recompute without rate limiting interference
	tr.mu.Unlock()
	require.NoError(t, tr.RecordSuccess(300, nil))

	progress := tr.CurrentProgress()
	require.NotNil(t, progress.AverageRowTime)
	assert.Equal(t, 200*time.Millisecond, *progress.AverageRowTime)
	require.NotNil(t, progress.EstimatedRemaining)
	assert.Equal(t, 400*time.Millisecond, *progress.EstimatedRemaining)
}

func TestTracker_CompleteForcesEmission(t *testing.T) {
	var last model.ProgressEvent
	tr := New(1, time.Hour, CostAssumptions{}, func(e model.ProgressEvent) error {
		last = e
		return nil
	})
	require.NoError(t, tr.Start())
	require.NoError(t, tr.RecordSuccess(10, nil))
	require.NoError(t, tr.Complete())

	assert.Equal(t, model.ProgressCompleted, last.Kind)
	assert.Equal(t, 1, last.ProcessedRows)
}

func TestTracker_CostEstimateUsesConfiguredAssumptions(t *testing.T) {
	cost := CostAssumptions{
		TokensPerRowEstimate: 500,
		PricePerMillionUSD:   decimal.NewFromFloat(2.0),
	}
	tr := New(1000, time.Hour, cost, nil)
	require.NoError(t, tr.Start())

	progress := tr.CurrentProgress()
	require.NotNil(t, progress.EstimatedCostUSD)
	assert.InDelta(t, 1.0, *progress.EstimatedCostUSD, 0.001) // 1000 rows * 500 tok / 1e6 * $2
}

func TestTracker_RollingWindowBoundedAtThousandSamples(t *testing.T) {
	tr := New(rollingWindowSize+10, time.Hour, CostAssumptions{}, nil)
	require.NoError(t, tr.Start())
	for i := 0; i < rollingWindowSize+10; i++ {
		require.NoError(t, tr.RecordSuccess(int64(i%5+1), nil))
	}

	tr.mu.Lock()
	n := tr.durationN
	tr.mu.Unlock()
	assert.LessOrEqual(t, n, rollingWindowSize)
}
