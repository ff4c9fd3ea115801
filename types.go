// Package batcheval implements a concurrent batch evaluation engine: it
// applies a fixed set of user-supplied evaluators to every row of a
// tabular input source, under bounded parallelism and sliding-window rate
// limits, with per-row retry, live progress emission, optional
// crash-recovery state, and incremental result streaming.
package batcheval

import (
	"batcheval/internal/model"
)

// The domain types below are defined in internal/model so that the
// engine's subsystem packages (tracker, streaming, snapshot,
// liveprogress) can reference them without importing this package back
// — this package wires those subsystems together, so the dependency can
// only run one way. Aliasing here keeps the public API identical to a
// single flat package.

type (
	Row              = model.Row
	ScoreType        = model.ScoreType
	ProcessingStats  = model.ProcessingStats
	EvaluatorOutcome = model.EvaluatorOutcome
	RowResult        = model.RowResult
	BatchSummary     = model.BatchSummary
	BatchResult      = model.BatchResult

	ProgressEventKind = model.ProgressEventKind
	ProgressEvent     = model.ProgressEvent

	StateSnapshot = model.StateSnapshot
)

const (
	ScoreNumeric     = model.ScoreNumeric
	ScoreCategorical = model.ScoreCategorical

	ProgressStarted   = model.ProgressStarted
	ProgressProgress  = model.ProgressProgress
	ProgressCompleted = model.ProgressCompleted
	ProgressError     = model.ProgressError
	ProgressRetry     = model.ProgressRetry
	ProgressPaused    = model.ProgressPaused
	ProgressResumed   = model.ProgressResumed
)

// newBatchID mints a fresh opaque unique batch identifier.
func newBatchID() string {
	return model.NewBatchID()
}
