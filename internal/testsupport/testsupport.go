// Package testsupport provides minimal in-memory test doubles — an
// InputParser and a family of deterministic Evaluators — used only by this
// module's own tests. These are not the individual evaluator
// implementations (text-similarity metrics, LLM prompt runners); those are
// external collaborators outside this module's scope.
package testsupport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"batcheval/internal/model"
)

// StaticParser is an InputParser over a fixed in-memory row slice.
type StaticParser struct {
	Rows []model.Row
	// Err, if set, is returned instead of Rows.
	Err error
}

func (p *StaticParser) Parse(ctx context.Context) ([]model.Row, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Rows, nil
}

// EchoEvaluator always succeeds, deterministically scoring a row by the
// length of its CandidateText. It records every invocation it receives so
// tests can assert on call counts and ordering.
type EchoEvaluator struct {
	NameValue string

	mu    sync.Mutex
	calls []model.Row
}

func NewEchoEvaluator(name string) *EchoEvaluator {
	return &EchoEvaluator{NameValue: name}
}

func (e *EchoEvaluator) Name() string { return e.NameValue }

func (e *EchoEvaluator) Evaluate(ctx context.Context, input model.Row) (model.EvaluatorOutcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, input)
	e.mu.Unlock()

	return model.EvaluatorOutcome{
		EvaluatorName: e.NameValue,
		ScoreType:     model.ScoreNumeric,
		NumericScore:  float64(len(input.CandidateText)),
	}, nil
}

// Calls returns a defensive copy of every row this evaluator was asked to
// score, in invocation order.
func (e *EchoEvaluator) Calls() []model.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Row(nil), e.calls...)
}

// InvocationCount returns how many times Evaluate has been called.
func (e *EchoEvaluator) InvocationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// FlakyEvaluator fails its first FailCount invocations per distinct row ID
// with FailMessage, then succeeds. Useful for exercising the retry
// classifier and backoff against a deterministic fixed number of failures.
type FlakyEvaluator struct {
	NameValue   string
	FailCount   int
	FailMessage string

	mu          sync.Mutex
	attemptsPer map[string]int
	totalCalls  int64
}

func NewFlakyEvaluator(name string, failCount int, failMessage string) *FlakyEvaluator {
	return &FlakyEvaluator{
		NameValue:   name,
		FailCount:   failCount,
		FailMessage: failMessage,
		attemptsPer: make(map[string]int),
	}
}

func (e *FlakyEvaluator) Name() string { return e.NameValue }

func (e *FlakyEvaluator) Evaluate(ctx context.Context, input model.Row) (model.EvaluatorOutcome, error) {
	atomic.AddInt64(&e.totalCalls, 1)

	e.mu.Lock()
	e.attemptsPer[input.ID]++
	attempt := e.attemptsPer[input.ID]
	e.mu.Unlock()

	if attempt <= e.FailCount {
		return model.EvaluatorOutcome{}, fmt.Errorf("%s", e.FailMessage)
	}
	return model.EvaluatorOutcome{
		EvaluatorName: e.NameValue,
		ScoreType:     model.ScoreNumeric,
		NumericScore:  1,
	}, nil
}

// TotalCalls returns the number of Evaluate invocations across all rows.
func (e *FlakyEvaluator) TotalCalls() int {
	return int(atomic.LoadInt64(&e.totalCalls))
}

// AlwaysFailEvaluator fails every invocation with a fixed, non-retryable
// message (no substring match against the default classifier).
type AlwaysFailEvaluator struct {
	NameValue string
	Message   string

	totalCalls int64
}

func NewAlwaysFailEvaluator(name, message string) *AlwaysFailEvaluator {
	return &AlwaysFailEvaluator{NameValue: name, Message: message}
}

func (e *AlwaysFailEvaluator) Name() string { return e.NameValue }

func (e *AlwaysFailEvaluator) Evaluate(ctx context.Context, input model.Row) (model.EvaluatorOutcome, error) {
	atomic.AddInt64(&e.totalCalls, 1)
	return model.EvaluatorOutcome{}, fmt.Errorf("%s", e.Message)
}

// TotalCalls returns the number of Evaluate invocations across all rows.
func (e *AlwaysFailEvaluator) TotalCalls() int {
	return int(atomic.LoadInt64(&e.totalCalls))
}

// SlowEvaluator blocks until ctx is done or Delay elapses, used to exercise
// EvaluatorTimeout.
type SlowEvaluator struct {
	NameValue string
	Delay     func() <-chan struct{}
}

func (e *SlowEvaluator) Name() string { return e.NameValue }

func (e *SlowEvaluator) Evaluate(ctx context.Context, input model.Row) (model.EvaluatorOutcome, error) {
	select {
	case <-e.Delay():
		return model.EvaluatorOutcome{EvaluatorName: e.NameValue, ScoreType: model.ScoreNumeric, NumericScore: 1}, nil
	case <-ctx.Done():
		return model.EvaluatorOutcome{}, ctx.Err()
	}
}
