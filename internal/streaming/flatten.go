package streaming

import (
	"fmt"
	"sort"
	"strconv"

	"batcheval/internal/model"
)

// flattenRowResult projects a RowResult into an ordered set of column
// name/value pairs, applying the standard-field and evaluator-outcome
// naming rules: standard input fields get plain column names, remaining
// (Extra) fields get an "input_<name>" prefix, and evaluator outcome
// fields are unprefixed for a single evaluator or "eval<i>_<field>"
// prefixed for multiple.
func flattenRowResult(cfg model.ExportConfig, result model.RowResult) (keys []string, values map[string]string) {
	values = make(map[string]string)

	add := func(name, value string) {
		if !fieldAllowed(cfg, name) {
			return
		}
		if _, exists := values[name]; !exists {
			keys = append(keys, name)
		}
		values[name] = value
	}

	add("id", result.ID)
	add("index", strconv.Itoa(result.Index))

	in := result.EffectiveInput
	add("candidate_text", in.CandidateText)
	add("reference", in.Reference)
	add("source", in.Source)
	add("prompt", in.Prompt)
	add("content_type", in.ContentType)
	add("language", in.Language)

	extraKeys := make([]string, 0, len(in.Extra))
	for k := range in.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		add("input_"+k, fmt.Sprintf("%v", in.Extra[k]))
	}

	n := len(result.Outcomes)
	for i, oc := range result.Outcomes {
		prefix := ""
		if n > 1 {
			prefix = fmt.Sprintf("eval%d_", i)
		}
		addOutcomeFields(add, prefix, oc)
	}

	add("combined_score", fmt.Sprintf("%v", result.CombinedScore))
	add("duration_ms", strconv.FormatInt(result.DurationMs, 10))
	add("retry_count", strconv.Itoa(result.RetryCount))
	add("completed_at", result.CompletedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	add("error", result.Error)

	return keys, values
}

func addOutcomeFields(add func(name, value string), prefix string, oc model.EvaluatorOutcome) {
	add(prefix+"evaluator_name", oc.EvaluatorName)
	add(prefix+"score_type", string(oc.ScoreType))
	switch oc.ScoreType {
	case model.ScoreCategorical:
		add(prefix+"score", oc.Category)
	default:
		add(prefix+"score", strconv.FormatFloat(oc.NumericScore, 'g', -1, 64))
	}
	add(prefix+"feedback", oc.Feedback)
	add(prefix+"execution_time_ms", strconv.FormatInt(oc.Stats.ExecutionTime.Milliseconds(), 10))
	if oc.Stats.InputTokens != nil {
		add(prefix+"input_tokens", strconv.Itoa(*oc.Stats.InputTokens))
	}
	if oc.Stats.OutputTokens != nil {
		add(prefix+"output_tokens", strconv.Itoa(*oc.Stats.OutputTokens))
	}
	if oc.Stats.TotalTokens != nil {
		add(prefix+"total_tokens", strconv.Itoa(*oc.Stats.TotalTokens))
	}
	add(prefix+"error", oc.Error)
}
