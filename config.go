package batcheval

import (
	"context"
	"log/slog"
	"time"

	"batcheval/internal/config"
	"batcheval/internal/liveprogress"
	"batcheval/internal/metrics"
	"batcheval/internal/model"
	"batcheval/internal/snapshot"
	"batcheval/internal/tracker"
	apperrors "batcheval/pkg/errors"
	"batcheval/pkg/logging"
	"batcheval/pkg/validator"

	"github.com/shopspring/decimal"
)

// Evaluator is the single capability external evaluator implementations
// must provide: consume an EvaluationInput (the row's effective input),
// produce an EvaluatorOutcome, possibly failing. Concrete evaluators
// (text-similarity metrics, LLM prompt runners) are external collaborators
// and are not implemented by this module.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, input Row) (EvaluatorOutcome, error)
}

// InputParser yields a finite ordered sequence of rows from some external
// tabular source. Concrete parsers (delimited-text, structured-document)
// are external collaborators and are not implemented by this module.
type InputParser = model.InputParser

// EvaluatorExecutionMode controls whether a row's evaluators run
// concurrently or in declaration order.
type EvaluatorExecutionMode string

const (
	ExecutionParallel   EvaluatorExecutionMode = "parallel"
	ExecutionSequential EvaluatorExecutionMode = "sequential"
)

// RetryConfig shapes the per-row retry budget and backoff.
type RetryConfig struct {
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	// RetryOnErrors, when non-empty, replaces the default classifier:
	// a row error is retryable iff it contains one of these substrings
	// (case-sensitive).
	RetryOnErrors []string
}

// DefaultRetryConfig mirrors spec.md's documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		ExponentialBackoff: true,
	}
}

// RateLimitConfig bounds admissions with independent sliding windows.
type RateLimitConfig struct {
	MaxRequestsPerMinute int
	MaxRequestsPerHour   int
}

// ExportFormat discriminates export/streaming destination kinds.
type ExportFormat = model.ExportFormat

const (
	FormatAuto       = model.FormatAuto // input-side only
	FormatDelimited  = model.FormatDelimited
	FormatStructured = model.FormatStructured
	FormatWebhook    = model.FormatWebhook
)

// WebhookConfig configures the webhook export/streaming destination.
type WebhookConfig = model.WebhookConfig

// ExportConfig configures a destination, shared shape for both the
// streaming sink and the post-hoc Export() call.
type ExportConfig = model.ExportConfig

// resolveFormatFromExtension applies the auto-by-extension rule for input parsing.
// auto is never valid for export; callers must pass a concrete format.
func resolveFormatFromExtension(path string) (ExportFormat, error) {
	switch {
	case len(path) >= 4 && path[len(path)-4:] == ".csv":
		return FormatDelimited, nil
	case len(path) >= 5 && path[len(path)-5:] == ".json":
		return FormatStructured, nil
	default:
		return "", apperrors.NewConfigurationError(
			"could not auto-detect input format", "path: "+path)
	}
}

// InputConfig selects and configures the row source.
type InputConfig = model.InputConfig

// EngineConfig configures one Evaluate() call.
type EngineConfig struct {
	Evaluators             []Evaluator
	Concurrency            int
	EvaluatorExecutionMode EvaluatorExecutionMode
	RateLimit              RateLimitConfig
	// Retry, if nil, uses DefaultRetryConfig(). A caller that wants
	// maxRetries = 0 (exactly one attempt per row) must set this
	// explicitly — RetryConfig{MaxRetries: 0} is indistinguishable from
	// "unset" if this field were a plain value, so it's a pointer.
	Retry *RetryConfig

	OnProgress       func(ProgressEvent) error
	ProgressInterval time.Duration

	OnResult func(RowResult) error

	StreamExport *ExportConfig

	ResumeFromState *StateSnapshot

	SaveStateInterval time.Duration
	SnapshotPath      string
	// SnapshotBackend, if set, takes precedence over SnapshotPath — use
	// this to plug in e.g. a Redis-backed snapshot store instead of the
	// default plain file.
	SnapshotBackend snapshot.Backend
	OnStateSave     func(StateSnapshot) error

	StopOnError bool

	// EvaluatorTimeout bounds each individual evaluator call, if positive.
	EvaluatorTimeout time.Duration

	// CombineScore, if set, runs on the success path over a row's
	// outcomes to produce RowResult.CombinedScore.
	CombineScore func([]EvaluatorOutcome) (float64, error)

	DefaultInput Row

	// CostAssumptions feeds the progress tracker's best-effort running
	// cost projection; zero value disables cost estimation.
	CostAssumptions tracker.CostAssumptions

	// Metrics, if set, registers Prometheus instrumentation for the
	// concurrency gate and per-row pipeline.
	Metrics *metrics.Collectors

	// LiveBroadcast, if set, fans every progress event out to subscribers
	// in addition to OnProgress.
	LiveBroadcast *liveprogress.Broadcaster

	Logger *slog.Logger
}

// withDefaults fills zero-valued fields with spec.md's documented
// defaults and returns the effective configuration.
func (c EngineConfig) withDefaults() EngineConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.EvaluatorExecutionMode == "" {
		c.EvaluatorExecutionMode = ExecutionParallel
	}
	if c.Retry == nil {
		def := DefaultRetryConfig()
		c.Retry = &def
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.NewLoggerWithFormat(slog.LevelInfo, "json")
	}
	return c
}

// EngineConfigFromDefaults builds a starting EngineConfig from ambient
// defaults (a loaded config.Defaults), for callers that want file/env
// overrides of concurrency, progress cadence, retry shape, and cost
// estimation instead of hardcoding them at each call site. Evaluators
// still must be set by the caller; everything else can be left as-is or
// overridden field by field before calling NewEngine.
func EngineConfigFromDefaults(d config.Defaults) EngineConfig {
	return EngineConfig{
		Concurrency:      d.Concurrency,
		ProgressInterval: d.ProgressInterval,
		Retry: &RetryConfig{
			MaxRetries:         d.MaxRetries,
			RetryDelay:         d.RetryDelay,
			ExponentialBackoff: d.ExponentialBackoff,
		},
		CostAssumptions: tracker.CostAssumptions{
			TokensPerRowEstimate: d.TokensPerRowEstimate,
			PricePerMillionUSD:   decimal.NewFromFloat(d.PricePerMillionTokens),
		},
		Logger: logging.NewLoggerWithFormat(logging.ParseLevel(d.LogLevel), d.LogFormat),
	}
}

// validate checks the configuration for the setup-time mistakes spec.md
// classifies as ConfigurationError: unsupported export format and an
// undetectable auto-format are checked by the caller at the point a
// format is resolved; this validates the numeric/shape invariants that
// apply regardless of format.
func (c EngineConfig) validate() error {
	v := validator.New()
	v.Min("concurrency", c.Concurrency, 1)
	v.Min("retry.maxRetries", float64(c.Retry.MaxRetries), 0)
	v.OneOf("evaluatorExecutionMode", string(c.EvaluatorExecutionMode),
		[]string{string(ExecutionParallel), string(ExecutionSequential)})

	if c.StreamExport != nil {
		switch c.StreamExport.Format {
		case FormatDelimited, FormatStructured, FormatWebhook:
		default:
			v.Custom("streamExport.format", c.StreamExport.Format, func(any) bool { return false },
				"must be one of: delimited, structured, webhook")
		}
	}

	if v.HasErrors() {
		return apperrors.NewConfigurationError("invalid engine configuration", v.Errors().Error())
	}
	return nil
}
