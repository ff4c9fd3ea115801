package batcheval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"batcheval/internal/gate"
	"batcheval/internal/model"
	"batcheval/internal/snapshot"
	"batcheval/internal/streaming"
	"batcheval/internal/tracker"
	apperrors "batcheval/pkg/errors"
	"batcheval/pkg/pointers"
)

// defaultRetryableSubstrings is the built-in classifier, used whenever
// RetryConfig.RetryOnErrors is empty. Matching is case-insensitive.
var defaultRetryableSubstrings = []string{
	"ECONNRESET", "ETIMEDOUT", "ENOTFOUND", "rate limit", "429", "503", "timeout",
}

// evalAttempt bundles one attempt's evaluator outcomes with its optional
// combined score so both travel together through the gate and the retry
// loop as a single success/failure unit.
type evalAttempt struct {
	outcomes []EvaluatorOutcome
	combined any
}

// Engine drives one Evaluate() call's pipeline: the concurrency gate,
// progress tracker, streaming sink, and state snapshot manager.
type Engine struct {
	cfg EngineConfig

	gate    *gate.Gate
	tracker *tracker.Tracker
	sink    streaming.Sink
	snap    *snapshot.Manager

	mu        sync.Mutex
	results   []RowResult
	processed map[int]struct{}

	evaluatorNames []string
	batchID        string
	startedAt      time.Time
}

// NewEngine validates cfg, applies its documented defaults, and wires the
// gate/tracker/sink/snapshot subsystems. The returned Engine's Evaluate
// method may be called exactly once; construct a fresh Engine per batch.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	names := make([]string, len(cfg.Evaluators))
	for i, e := range cfg.Evaluators {
		names[i] = e.Name()
	}

	eng := &Engine{
		cfg:            cfg,
		processed:      make(map[int]struct{}),
		evaluatorNames: names,
	}

	var g *gate.Gate
	hook := gate.Hook{}
	if cfg.Metrics != nil {
		hook = cfg.Metrics.GateHookWithQueueDepth(func() int {
			if g == nil {
				return 0
			}
			return g.QueueDepth()
		})
	}
	g = gate.New(cfg.Concurrency, cfg.RateLimit.MaxRequestsPerMinute, cfg.RateLimit.MaxRequestsPerHour, hook)
	eng.gate = g

	if cfg.StreamExport != nil {
		sink, err := streaming.New(*cfg.StreamExport)
		if err != nil {
			return nil, err
		}
		eng.sink = sink
	}

	if cfg.SnapshotBackend != nil || cfg.SnapshotPath != "" || cfg.SaveStateInterval > 0 || cfg.OnStateSave != nil || cfg.ResumeFromState != nil {
		backend := cfg.SnapshotBackend
		if backend == nil && cfg.SnapshotPath != "" {
			backend = snapshot.NewFileBackend(cfg.SnapshotPath)
		}
		eng.snap = snapshot.New(backend, cfg.OnStateSave)
	}

	return eng, nil
}

// Evaluate runs the full batch pipeline: resolve input, resume any prior
// progress, then process every unprocessed row under bounded concurrency,
// rate limiting, and per-row retry, finally assembling the BatchResult.
func (e *Engine) Evaluate(ctx context.Context, input InputConfig) (BatchResult, error) {
	rows, err := e.resolveInput(ctx, input)
	if err != nil {
		return BatchResult{}, err
	}

	e.batchID = newBatchID()
	e.startedAt = time.Now()

	if input.StartIndex > 0 {
		for i := 0; i < input.StartIndex && i < len(rows); i++ {
			e.processed[i] = struct{}{}
		}
	}

	if e.cfg.ResumeFromState != nil {
		snap := e.cfg.ResumeFromState
		e.batchID = snap.BatchID
		e.startedAt = snap.StartedAt
		e.processed = make(map[int]struct{}, len(snap.ProcessedRowIndices))
		for idx := range snap.ProcessedRowIndices {
			e.processed[idx] = struct{}{}
		}
		e.results = append([]RowResult(nil), snap.Results...)
	}

	totalRows := len(rows)

	if e.sink != nil {
		if err := e.sink.Initialize(ctx); err != nil {
			return BatchResult{}, err
		}
	}

	e.tracker = tracker.New(totalRows, e.cfg.ProgressInterval, e.cfg.CostAssumptions, e.onTrackerEvent)
	if err := e.tracker.Start(); err != nil {
		return BatchResult{}, err
	}
	e.tracker.SkipRows(len(e.processed))

	if e.snap != nil {
		e.mu.Lock()
		initialResults := append([]RowResult(nil), e.results...)
		initialProcessed := cloneIndexSet(e.processed)
		e.mu.Unlock()

		e.snap.Initialize(model.StateSnapshot{
			BatchID:             e.batchID,
			StartedAt:           e.startedAt,
			InputConfig:         input,
			EvaluatorNames:      e.evaluatorNames,
			TotalRows:           totalRows,
			ProcessedRowIndices: initialProcessed,
			Results:             initialResults,
		})
		if e.cfg.SaveStateInterval > 0 {
			e.snap.StartPeriodicSave(ctx, e.cfg.SaveStateInterval, func(err error) {
				e.cfg.Logger.Warn("periodic state save failed", "error", err)
			})
		}
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalMu sync.Mutex
	var fatalErr error

	chunkSize := 2 * e.cfg.Concurrency
	if chunkSize <= 0 {
		chunkSize = 1
	}

	for start := 0; start < totalRows; start += chunkSize {
		fatalMu.Lock()
		aborted := fatalErr != nil
		fatalMu.Unlock()
		if aborted {
			break
		}

		end := start + chunkSize
		if end > totalRows {
			end = totalRows
		}

		g, gCtx := errgroup.WithContext(batchCtx)
		for idx := start; idx < end; idx++ {
			idx := idx
			row := rows[idx]
			g.Go(func() error {
				if rowErr := e.runRowTask(gCtx, idx, row); rowErr != nil {
					fatalMu.Lock()
					if fatalErr == nil {
						fatalErr = rowErr
						cancel()
					}
					fatalMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	_ = e.tracker.Complete()

	var finalizeErr error
	if e.sink != nil {
		finalizeErr = e.sink.Finalize(ctx)
	}
	if e.snap != nil {
		if err := e.snap.Cleanup(ctx); err != nil {
			e.cfg.Logger.Warn("final state save failed", "error", err)
		}
	}

	result := e.assembleResult()

	fatalMu.Lock()
	ferr := fatalErr
	fatalMu.Unlock()
	if ferr != nil {
		return result, ferr
	}
	if finalizeErr != nil {
		return result, finalizeErr
	}
	return result, nil
}

// Export writes the full accumulated result set to exportCfg's destination
// in one pass, independent of any streaming sink configured for Evaluate.
func (e *Engine) Export(ctx context.Context, exportCfg ExportConfig) error {
	return streaming.ExportBulk(ctx, exportCfg, e.CurrentResults())
}

// CurrentResults returns a defensive copy of the results committed so far.
func (e *Engine) CurrentResults() []RowResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RowResult(nil), e.results...)
}

// CurrentState returns a defensive copy of the live state snapshot, or nil
// if no snapshot manager is configured for this Engine.
func (e *Engine) CurrentState() *StateSnapshot {
	if e.snap == nil {
		return nil
	}
	s := e.snap.Current()
	return &s
}

// resolveInput yields the row sequence for this call: input.Rows directly
// if set, else input.Parser.Parse. FormatAuto is resolved against
// input.Path only to validate auto-detectability; the chosen parser
// implementation is the caller's responsibility.
func (e *Engine) resolveInput(ctx context.Context, input InputConfig) ([]Row, error) {
	if input.Rows != nil {
		return input.Rows, nil
	}
	if input.Parser == nil {
		return nil, apperrors.NewConfigurationError("input requires either Rows or a Parser", "")
	}
	if input.Format == FormatAuto || input.Format == "" {
		if _, err := resolveFormatFromExtension(input.Path); err != nil {
			return nil, err
		}
	}
	return input.Parser.Parse(ctx)
}

// runRowTask executes one row's full NEW -> ... -> DONE_OK|DONE_FAIL state
// machine, including retry. It returns a non-nil error only when
// stopOnError is set and the row reached terminal failure; that error is
// always an *apperrors.AppError of type EngineFatalError.
func (e *Engine) runRowTask(ctx context.Context, idx int, row Row) error {
	e.mu.Lock()
	_, already := e.processed[idx]
	e.mu.Unlock()
	if already {
		return nil
	}

	effectiveInput := mergeInput(e.cfg.DefaultInput, row)
	started := time.Now()
	retryCount := 0

	for {
		attempt, runErr := gate.Run(ctx, e.gate, func(taskCtx context.Context) (evalAttempt, error) {
			return e.attemptRow(taskCtx, effectiveInput)
		})

		// A row still parked in the gate's waiter queue when ctx ends (batch
		// cancellation, stopOnError, or the caller's own context) was never
		// admitted and never ran an evaluator; it is abandoned, not failed.
		if runErr == context.Canceled || runErr == context.DeadlineExceeded {
			return nil
		}

		if runErr == nil {
			durationMs := time.Since(started).Milliseconds()
			result := e.buildSuccessResult(idx, effectiveInput, attempt, durationMs, retryCount)
			commitErr := e.commitSuccess(ctx, result)
			if commitErr == nil {
				return nil
			}
			runErr = commitErr
		}

		msg := runErr.Error()
		if e.isRetryable(msg) && retryCount < e.cfg.Retry.MaxRetries {
			nextRetryNumber := retryCount + 1
			_ = e.tracker.RecordRetry(runErr, nextRetryNumber)
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RetriesTotal.Inc()
			}
			select {
			case <-time.After(e.retryDelay(nextRetryNumber)):
			case <-ctx.Done():
				return nil
			}
			retryCount = nextRetryNumber
			continue
		}

		durationMs := time.Since(started).Milliseconds()
		terminal := e.buildFailureResult(idx, row, msg, durationMs, retryCount)
		e.commitFailure(terminal)

		if e.cfg.StopOnError {
			return apperrors.NewEngineFatalError(idx, runErr)
		}
		return nil
	}
}

// attemptRow dispatches every evaluator (per EvaluatorExecutionMode) and,
// on success, runs the user combiner. The whole attempt is one unit: any
// evaluator error or combiner error fails the attempt as a whole.
func (e *Engine) attemptRow(ctx context.Context, input Row) (evalAttempt, error) {
	outcomes, err := e.runEvaluators(ctx, input)
	if err != nil {
		return evalAttempt{}, err
	}

	var combined any
	if e.cfg.CombineScore != nil {
		score, cerr := e.cfg.CombineScore(outcomes)
		if cerr != nil {
			return evalAttempt{}, fmt.Errorf("combine score: %w", cerr)
		}
		combined = score
	}
	return evalAttempt{outcomes: outcomes, combined: combined}, nil
}

func (e *Engine) runEvaluators(ctx context.Context, input Row) ([]EvaluatorOutcome, error) {
	n := len(e.cfg.Evaluators)
	outcomes := make([]EvaluatorOutcome, n)

	call := func(callCtx context.Context, i int) error {
		evalCtx := callCtx
		cancel := func() {}
		if e.cfg.EvaluatorTimeout > 0 {
			evalCtx, cancel = context.WithTimeout(callCtx, e.cfg.EvaluatorTimeout)
		}
		defer cancel()

		outcome, err := e.cfg.Evaluators[i].Evaluate(evalCtx, input)
		if err != nil {
			if e.cfg.EvaluatorTimeout > 0 && evalCtx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("evaluator %q exceeded %s budget", e.cfg.Evaluators[i].Name(), e.cfg.EvaluatorTimeout)
			}
			return err
		}
		outcomes[i] = outcome
		return nil
	}

	if e.cfg.EvaluatorExecutionMode == ExecutionSequential {
		for i := 0; i < n; i++ {
			if err := call(ctx, i); err != nil {
				return nil, err
			}
		}
		return outcomes, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return call(gCtx, i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (e *Engine) buildSuccessResult(idx int, input Row, attempt evalAttempt, durationMs int64, retryCount int) RowResult {
	id := input.ID
	if id == "" {
		id = fmt.Sprintf("row-%d", idx)
	}
	return RowResult{
		ID:             id,
		Index:          idx,
		EffectiveInput: input,
		Outcomes:       attempt.outcomes,
		CombinedScore:  attempt.combined,
		CompletedAt:    time.Now(),
		DurationMs:     durationMs,
		RetryCount:     retryCount,
	}
}

func (e *Engine) buildFailureResult(idx int, rawInput Row, errMsg string, durationMs int64, retryCount int) RowResult {
	id := rawInput.ID
	if id == "" {
		id = fmt.Sprintf("row-%d", idx)
	}
	result := RowResult{
		ID:             id,
		Index:          idx,
		EffectiveInput: rawInput,
		CompletedAt:    time.Now(),
		DurationMs:     durationMs,
		RetryCount:     retryCount,
		Error:          errMsg,
	}
	if e.cfg.CombineScore != nil {
		result.CombinedScore = "N/A"
	}
	return result
}

// commitSuccess runs the strict commit sequence: export -> user callback
// -> in-memory append -> tracker -> state snapshot. A failure in either of
// the first two steps is returned so the caller re-enters the retry
// classifier instead of the row being silently dropped.
func (e *Engine) commitSuccess(ctx context.Context, result RowResult) error {
	if e.sink != nil {
		if err := e.sink.ExportResult(ctx, result); err != nil {
			return err
		}
	}
	if e.cfg.OnResult != nil {
		if err := e.cfg.OnResult(result); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.results = append(e.results, result)
	e.processed[result.Index] = struct{}{}
	e.mu.Unlock()

	var totalTokens *int64
	for _, oc := range result.Outcomes {
		if oc.Stats.TotalTokens != nil {
			if totalTokens == nil {
				v := int64(0)
				totalTokens = &v
			}
			*totalTokens += int64(*oc.Stats.TotalTokens)
		}
	}
	if err := e.tracker.RecordSuccess(result.DurationMs, totalTokens); err != nil {
		e.cfg.Logger.Warn("progress callback failed", "error", err)
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RowsProcessed.Inc()
		e.cfg.Metrics.RowsSucceeded.Inc()
		e.cfg.Metrics.RowDuration.Observe(float64(result.DurationMs) / 1000)
	}

	if e.snap != nil {
		e.snap.Update(func(s *model.StateSnapshot) {
			s.ProcessedRowIndices[result.Index] = struct{}{}
			s.Results = append(s.Results, result)
			ev := e.tracker.CurrentProgress()
			s.LatestProgress = &ev
		})
	}
	return nil
}

// commitFailure is the terminal-failure counterpart of commitSuccess: no
// sink export and no onResult callback, since the row never produced a
// usable outcome.
func (e *Engine) commitFailure(result RowResult) {
	e.mu.Lock()
	e.results = append(e.results, result)
	e.processed[result.Index] = struct{}{}
	e.mu.Unlock()

	if err := e.tracker.RecordFailure(result.DurationMs); err != nil {
		e.cfg.Logger.Warn("progress callback failed", "error", err)
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RowsProcessed.Inc()
		e.cfg.Metrics.RowsFailed.Inc()
		e.cfg.Metrics.RowDuration.Observe(float64(result.DurationMs) / 1000)
	}

	if e.snap != nil {
		e.snap.Update(func(s *model.StateSnapshot) {
			s.ProcessedRowIndices[result.Index] = struct{}{}
			s.Results = append(s.Results, result)
			ev := e.tracker.CurrentProgress()
			s.LatestProgress = &ev
		})
	}
}

func (e *Engine) onTrackerEvent(evt ProgressEvent) error {
	if e.cfg.OnProgress != nil {
		if err := e.cfg.OnProgress(evt); err != nil {
			return err
		}
	}
	if e.cfg.LiveBroadcast != nil {
		e.cfg.LiveBroadcast.Publish(evt)
	}
	return nil
}

// isRetryable classifies a row error by its message: the user's
// RetryOnErrors allowlist (case-sensitive substrings) if non-empty,
// otherwise the built-in case-insensitive classifier.
func (e *Engine) isRetryable(msg string) bool {
	if len(e.cfg.Retry.RetryOnErrors) > 0 {
		for _, sub := range e.cfg.Retry.RetryOnErrors {
			if strings.Contains(msg, sub) {
				return true
			}
		}
		return false
	}
	lower := strings.ToLower(msg)
	for _, sub := range defaultRetryableSubstrings {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// retryDelay computes the wait before the nextRetryNumber-th retry: a
// constant RetryDelay, or RetryDelay doubled for each prior retry when
// ExponentialBackoff is set.
func (e *Engine) retryDelay(nextRetryNumber int) time.Duration {
	base := e.cfg.Retry.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	if !e.cfg.Retry.ExponentialBackoff {
		return base
	}
	return base * time.Duration(math.Pow(2, float64(nextRetryNumber-1)))
}

// mergeInput overlays row onto def, field by field; a non-zero row field
// always wins. Extra maps are shallow-merged the same way.
func mergeInput(def, row Row) Row {
	merged := row
	merged.ID = pointers.CoalesceString(row.ID, def.ID)
	merged.CandidateText = pointers.CoalesceString(row.CandidateText, def.CandidateText)
	merged.Reference = pointers.CoalesceString(row.Reference, def.Reference)
	merged.Source = pointers.CoalesceString(row.Source, def.Source)
	merged.Prompt = pointers.CoalesceString(row.Prompt, def.Prompt)
	merged.ContentType = pointers.CoalesceString(row.ContentType, def.ContentType)
	merged.Language = pointers.CoalesceString(row.Language, def.Language)
	if len(def.Extra) > 0 || len(row.Extra) > 0 {
		merged.Extra = make(map[string]any, len(def.Extra)+len(row.Extra))
		for k, v := range def.Extra {
			merged.Extra[k] = v
		}
		for k, v := range row.Extra {
			merged.Extra[k] = v
		}
	}
	return merged
}

func cloneIndexSet(in map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{}, len(in))
	for idx := range in {
		out[idx] = struct{}{}
	}
	return out
}

// assembleResult computes the final BatchResult per spec's exact aggregate
// formulas over whatever rows were committed.
func (e *Engine) assembleResult() BatchResult {
	e.mu.Lock()
	results := append([]RowResult(nil), e.results...)
	e.mu.Unlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	var succeeded, failed int
	var totalDurationMs int64
	var totalTokens int64
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		} else {
			failed++
		}
		totalDurationMs += r.DurationMs
		for _, oc := range r.Outcomes {
			if oc.Stats.TotalTokens != nil {
				totalTokens += int64(*oc.Stats.TotalTokens)
			}
		}
	}

	var summary BatchSummary
	if len(results) > 0 {
		summary.AverageProcessingTimeMs = float64(totalDurationMs) / float64(len(results))
		summary.ErrorRate = float64(failed) / float64(len(results))
	}
	if totalTokens > 0 {
		summary.TotalTokensUsed = totalTokens
		summary.HasTokenUsage = true
	}

	return BatchResult{
		ID:             e.batchID,
		StartedAt:      e.startedAt,
		EndedAt:        time.Now(),
		Duration:       time.Since(e.startedAt),
		TotalRows:      len(results),
		SuccessfulRows: succeeded,
		FailedRows:     failed,
		Results:        results,
		Summary:        summary,
	}
}
