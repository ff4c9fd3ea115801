// Package tracker maintains cumulative batch counters, derives rolling
// throughput/ETA/cost statistics, and emits rate-limited ProgressEvents.
package tracker

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"batcheval/internal/model"
)

// CostAssumptions configures the best-effort running-cost projection
// surfaced on ProgressEvent. These never feed control decisions.
type CostAssumptions struct {
	TokensPerRowEstimate int64
	PricePerMillionUSD   decimal.Decimal
}

const rollingWindowSize = 1000

// Tracker accumulates row outcomes and derives progress statistics.
// Safe for concurrent use; each recordX/complete call takes its event
// snapshot under a short critical section so concurrent emissions observe
// consistent counters, then delivers the event outside the lock.
type Tracker struct {
	mu sync.Mutex

	totalRows int
	processed int
	succeeded int
	failed    int
	totalTokens int64

	durations   *lru.Cache[int64, time.Duration]
	durationSeq int64
	durationSum time.Duration
	durationN   int

	startedAt    time.Time
	lastEmitAt   time.Time
	emitInterval time.Duration

	cost CostAssumptions

	onEvent func(model.ProgressEvent) error

	latest model.ProgressEvent
}

// New creates a Tracker for a batch of totalRows, emitting at most once per
// emitInterval (beyond forced lifecycle emissions) via onEvent. onEvent may
// be nil, in which case events are computed but never delivered.
func New(totalRows int, emitInterval time.Duration, cost CostAssumptions, onEvent func(model.ProgressEvent) error) *Tracker {
	if emitInterval <= 0 {
		emitInterval = time.Second
	}
	durations, _ := lru.New[int64, time.Duration](rollingWindowSize)
	return &Tracker{
		totalRows:    totalRows,
		durations:    durations,
		emitInterval: emitInterval,
		cost:         cost,
		onEvent:      onEvent,
	}
}

// Start records the batch epoch and forces a "started" emission.
func (t *Tracker) Start() error {
	t.mu.Lock()
	t.startedAt = time.Now()
	t.lastEmitAt = time.Time{}
	evt := t.snapshotLocked(model.ProgressStarted)
	t.mu.Unlock()
	return t.deliver(evt, true)
}

// SkipRows bumps processed and successful by n without duration sampling,
// used when resuming past an index the caller asserts already succeeded.
func (t *Tracker) SkipRows(n int) {
	t.mu.Lock()
	t.processed += n
	t.succeeded += n
	t.snapshotLocked(model.ProgressProgress)
	t.mu.Unlock()
}

// RecordSuccess increments processed/successful, folds durationMs into the
// rolling window, adds tokens (if known) to the running total, and
// maybe-emits a progress event.
func (t *Tracker) RecordSuccess(durationMs int64, tokens *int64) error {
	t.mu.Lock()
	t.processed++
	t.succeeded++
	t.addDurationLocked(time.Duration(durationMs) * time.Millisecond)
	if tokens != nil {
		t.totalTokens += *tokens
	}
	evt, shouldEmit := t.maybeSnapshotLocked(model.ProgressProgress)
	t.mu.Unlock()
	if !shouldEmit {
		return nil
	}
	return t.deliver(evt, false)
}

// RecordFailure is the symmetric failure counterpart of RecordSuccess.
func (t *Tracker) RecordFailure(durationMs int64) error {
	t.mu.Lock()
	t.processed++
	t.failed++
	t.addDurationLocked(time.Duration(durationMs) * time.Millisecond)
	evt, shouldEmit := t.maybeSnapshotLocked(model.ProgressProgress)
	t.mu.Unlock()
	if !shouldEmit {
		return nil
	}
	return t.deliver(evt, false)
}

// RecordRetry forces an immediate, un-rate-limited "retry" emission.
func (t *Tracker) RecordRetry(rowErr error, attempt int) error {
	t.mu.Lock()
	evt := t.snapshotLocked(model.ProgressRetry)
	if rowErr != nil {
		msg := rowErr.Error()
		evt.CurrentError = &msg
	}
	evt.RetryCount = &attempt
	t.mu.Unlock()
	return t.deliver(evt, true)
}

// Complete forces an immediate "completed" emission with final counters.
func (t *Tracker) Complete() error {
	t.mu.Lock()
	evt := t.snapshotLocked(model.ProgressCompleted)
	t.mu.Unlock()
	return t.deliver(evt, true)
}

// CurrentProgress synchronously returns the latest derived event without
// triggering an emission.
func (t *Tracker) CurrentProgress() model.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

func (t *Tracker) addDurationLocked(d time.Duration) {
	t.durationSeq++
	evicted := t.durations.Add(t.durationSeq, d)
	if evicted {
		t.recomputeDurationSumLocked()
		return
	}
	t.durationSum += d
	t.durationN++
}

// recomputeDurationSumLocked rebuilds the running sum/count from whatever
// the bounded cache currently holds, used only on the rare eviction path
// where we can no longer cheaply subtract the evicted sample.
func (t *Tracker) recomputeDurationSumLocked() {
	var sum time.Duration
	n := 0
	for _, k := range t.durations.Keys() {
		if v, ok := t.durations.Peek(k); ok {
			sum += v
			n++
		}
	}
	t.durationSum = sum
	t.durationN = n
}

// maybeSnapshotLocked returns a snapshot and whether enough time has
// elapsed since the last emission to actually deliver it.
func (t *Tracker) maybeSnapshotLocked(kind model.ProgressEventKind) (model.ProgressEvent, bool) {
	evt := t.snapshotLocked(kind)
	now := time.Now()
	if !t.lastEmitAt.IsZero() && now.Sub(t.lastEmitAt) < t.emitInterval {
		return evt, false
	}
	t.lastEmitAt = now
	return evt, true
}

func (t *Tracker) snapshotLocked(kind model.ProgressEventKind) model.ProgressEvent {
	evt := model.ProgressEvent{
		Kind:           kind,
		Timestamp:      time.Now(),
		TotalRows:      t.totalRows,
		ProcessedRows:  t.processed,
		Successful:     t.succeeded,
		Failed:         t.failed,
	}
	if t.totalRows > 0 {
		evt.PercentComplete = float64(t.processed) / float64(t.totalRows) * 100
	}
	if t.durationN > 0 {
		avg := t.durationSum / time.Duration(t.durationN)
		evt.AverageRowTime = &avg
		if remaining := t.totalRows - t.processed; remaining > 0 {
			eta := avg * time.Duration(remaining)
			evt.EstimatedRemaining = &eta
		}
	}
	if t.totalTokens > 0 {
		evt.RemainingTokensEst = remainingTokensEstimate(t.totalRows, t.processed, t.totalTokens)
	}
	if cost := t.estimatedCostLocked(); cost != nil {
		evt.EstimatedCostUSD = cost
	}
	t.latest = evt
	return evt
}

func remainingTokensEstimate(totalRows, processed int, totalTokens int64) *int64 {
	if processed == 0 {
		return nil
	}
	remaining := totalRows - processed
	if remaining <= 0 {
		zero := int64(0)
		return &zero
	}
	avgPerRow := totalTokens / int64(processed)
	est := avgPerRow * int64(remaining)
	return &est
}

func (t *Tracker) estimatedCostLocked() *float64 {
	if t.cost.TokensPerRowEstimate <= 0 || t.cost.PricePerMillionUSD.IsZero() {
		if t.totalTokens == 0 {
			return nil
		}
	}
	var projectedTokens decimal.Decimal
	if t.totalTokens > 0 && t.processed > 0 {
		avgPerRow := decimal.NewFromInt(t.totalTokens).Div(decimal.NewFromInt(int64(t.processed)))
		projectedTokens = avgPerRow.Mul(decimal.NewFromInt(int64(t.totalRows)))
	} else if t.cost.TokensPerRowEstimate > 0 {
		projectedTokens = decimal.NewFromInt(t.cost.TokensPerRowEstimate).Mul(decimal.NewFromInt(int64(t.totalRows)))
	} else {
		return nil
	}
	if t.cost.PricePerMillionUSD.IsZero() {
		return nil
	}
	cost, _ := projectedTokens.Div(decimal.NewFromInt(1_000_000)).Mul(t.cost.PricePerMillionUSD).Float64()
	return &cost
}

func (t *Tracker) deliver(evt model.ProgressEvent, _ bool) error {
	if t.onEvent == nil {
		return nil
	}
	return t.onEvent(evt)
}
