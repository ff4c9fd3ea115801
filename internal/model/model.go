// Package model holds the data types shared across the engine's
// subsystems (gate, tracker, streaming, snapshot, liveprogress) and its
// public root package. Keeping them here — rather than in the root
// package the subsystems would otherwise have to import — avoids an
// import cycle between the orchestrator and the components it drives.
package model

import (
	"context"
	"time"

	"batcheval/pkg/ulid"
)

// InputParser yields a finite ordered sequence of rows from some external
// tabular source. Concrete parsers (delimited-text, structured-document)
// are external collaborators and are not implemented by this module.
type InputParser interface {
	Parse(ctx context.Context) ([]Row, error)
}

// Row is one input record: the unit of retry and commit.
type Row struct {
	// ID is the row's stable identifier. If empty when the row is
	// accepted by the orchestrator, it is synthesized as "row-<index>".
	ID string

	CandidateText string
	Reference     string
	Source        string
	Prompt        string
	ContentType   string
	Language      string

	// Extra holds arbitrary additional named fields carried verbatim
	// through merge and export.
	Extra map[string]any
}

// ScoreType discriminates the two legal shapes of EvaluatorOutcome.Score.
type ScoreType string

const (
	ScoreNumeric     ScoreType = "numeric"
	ScoreCategorical ScoreType = "categorical"
)

// ProcessingStats carries per-evaluator execution statistics.
type ProcessingStats struct {
	ExecutionTime time.Duration

	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int
}

// EvaluatorOutcome is one evaluator's verdict on one row.
type EvaluatorOutcome struct {
	EvaluatorName string
	ScoreType     ScoreType
	NumericScore  float64
	Category      string
	Feedback      string
	Stats         ProcessingStats

	// Error is set when this individual evaluator failed but the row's
	// evaluator set as a whole is still being assembled; a non-empty
	// Error here does not by itself fail the row unless the orchestrator
	// decides the evaluator set failed.
	Error string
}

// RowResult is the committed outcome of one row.
type RowResult struct {
	ID    string
	Index int

	// EffectiveInput is the row merged with configured defaults on
	// success, or the raw pre-merge row on terminal failure (invariant 7).
	EffectiveInput Row

	Outcomes []EvaluatorOutcome

	// CombinedScore is populated only when a combiner is configured. On
	// success it holds a float64; on terminal failure it is the string
	// sentinel "N/A" (never a number) per spec.
	CombinedScore any

	CompletedAt time.Time
	DurationMs  int64
	RetryCount  int

	// Error is non-empty only for a terminal failure.
	Error string
}

// Succeeded reports whether this row reached DONE_OK.
func (r RowResult) Succeeded() bool {
	return r.Error == ""
}

// BatchSummary aggregates cross-row statistics for a completed batch.
type BatchSummary struct {
	AverageProcessingTimeMs float64
	TotalTokensUsed         int64
	HasTokenUsage           bool
	ErrorRate               float64
}

// BatchResult is the final outcome of one Evaluate call.
type BatchResult struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration

	TotalRows      int
	SuccessfulRows int
	FailedRows     int

	Results []RowResult
	Summary BatchSummary
}

// NewBatchID mints a fresh opaque unique batch identifier.
func NewBatchID() string {
	return ulid.New().String()
}

// ProgressEventKind enumerates the lifecycle/points-in-time a ProgressEvent
// can represent.
type ProgressEventKind string

const (
	ProgressStarted   ProgressEventKind = "started"
	ProgressProgress  ProgressEventKind = "progress"
	ProgressCompleted ProgressEventKind = "completed"
	ProgressError     ProgressEventKind = "error"
	ProgressRetry     ProgressEventKind = "retry"
	ProgressPaused    ProgressEventKind = "paused"
	ProgressResumed   ProgressEventKind = "resumed"
)

// ProgressEvent is one snapshot of batch progress, emitted by the tracker.
type ProgressEvent struct {
	Kind      ProgressEventKind
	Timestamp time.Time

	TotalRows     int
	ProcessedRows int
	Successful    int
	Failed        int

	CurrentRowIndex *int
	PercentComplete float64

	EstimatedRemaining *time.Duration
	AverageRowTime     *time.Duration

	CurrentError *string
	RetryCount   *int

	EstimatedCostUSD   *float64
	RemainingTokensEst *int64
}

// ExportFormat discriminates export/streaming destination kinds.
type ExportFormat string

const (
	FormatAuto       ExportFormat = "auto" // input-side only
	FormatDelimited  ExportFormat = "delimited"
	FormatStructured ExportFormat = "structured"
	FormatWebhook    ExportFormat = "webhook"
)

// WebhookConfig configures the webhook export/streaming destination.
type WebhookConfig struct {
	URL         string
	Method      string // POST (default) or PUT
	Headers     map[string]string
	Timeout     time.Duration
	ContentType string
	// BatchSize applies only to bulk (post-hoc) export.
	BatchSize int
}

// ExportConfig configures a destination, shared shape for both the
// streaming sink and the post-hoc Export() call.
type ExportConfig struct {
	Format           ExportFormat
	Path             string // delimited/structured file destinations
	AppendToExisting bool   // delimited-text only
	Webhook          *WebhookConfig

	IncludeFields   []string
	ExcludeFields   []string
	FilterCondition func(RowResult) bool
}

// InputConfig selects and configures the row source.
type InputConfig struct {
	// Rows, if non-nil, is used directly and Parser/Path/Format are
	// ignored.
	Rows []Row

	// Parser, Path, and Format describe an external row source; the
	// concrete parser implementation is a caller-supplied collaborator.
	Parser InputParser `json:"-"`
	Path   string
	Format ExportFormat // "auto" resolves by file extension

	// StartIndex skips this many leading rows of the parsed sequence.
	StartIndex int
}

// StateSnapshot is a durable image of batch progress sufficient to resume
// processing from a partial run.
type StateSnapshot struct {
	BatchID        string
	StartedAt      time.Time
	LastUpdateTime time.Time

	InputConfig InputConfig

	EvaluatorNames []string
	TotalRows      int

	ProcessedRowIndices map[int]struct{}
	Results             []RowResult

	LatestProgress *ProgressEvent
}

// Clone returns a deep-enough copy for safe external use (defensive copy
// semantics required by currentState()/currentResults()).
func (s StateSnapshot) Clone() StateSnapshot {
	out := s
	out.ProcessedRowIndices = make(map[int]struct{}, len(s.ProcessedRowIndices))
	for idx := range s.ProcessedRowIndices {
		out.ProcessedRowIndices[idx] = struct{}{}
	}
	out.Results = make([]RowResult, len(s.Results))
	copy(out.Results, s.Results)
	out.EvaluatorNames = append([]string(nil), s.EvaluatorNames...)
	return out
}
