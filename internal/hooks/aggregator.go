package hooks

import "github.com/rs/zerolog/log"

// Aggregate folds a batch of ExecutionResults from one event dispatch into
// a single AggregatedResult.
//
// Every blocking result (exit code 2) sets Continue to false; per
// SPEC_FULL.md's resolution of the Open Question on this point, the
// stderr of every blocking hook is appended as a system message, not just
// the first one. Successful hooks with JSON stdout are parsed and folded
// via AggregatedResult.Merge; successful hooks with non-JSON stdout have
// that stdout appended as a system message verbatim. Warning-level results
// (non-zero, non-blocking) are logged but do not affect the decision.
func Aggregate(results []ExecutionResult) AggregatedResult {
	aggregated := NewAggregatedResult()
	aggregated.ExecutionResults = results

	var blockingNames []string
	for _, r := range results {
		if r.IsBlocking() {
			blockingNames = append(blockingNames, r.HookName)
			aggregated.Continue = false
			if r.Stderr != "" {
				aggregated.SystemMessages = append(aggregated.SystemMessages, r.Stderr)
			}
		}
	}
	if len(blockingNames) > 0 {
		log.Warn().Strs("hooks", blockingNames).Msg("hook blocked agent step")
	}

	for _, r := range results {
		if !r.Success || r.Stdout == "" {
			continue
		}
		parsed := parseOutput(r.Stdout)
		if looksLikeJSON(r.Stdout) {
			var messages []string
			if parsed.SystemMessage != "" {
				messages = []string{parsed.SystemMessage}
			}
			aggregated = aggregated.Merge(AggregatedResult{
				Decision:           parsed.Decision,
				Continue:           parsed.Continue,
				SystemMessages:     messages,
				HookSpecificOutput: parsed.HookSpecificOutput,
			})
		} else {
			aggregated.SystemMessages = append(aggregated.SystemMessages, r.Stdout)
		}
	}

	var warningNames []string
	for _, r := range results {
		if r.IsWarning() {
			warningNames = append(warningNames, r.HookName)
			preview := r.Stderr
			if len(preview) > 200 {
				preview = preview[:200]
			}
			log.Warn().Str("hook", r.HookName).Str("stderr", preview).Msg("hook exited with warning")
		}
	}

	return aggregated
}

// MergeAll folds a list of AggregatedResults (e.g. one per HookGroup) into
// one, in order.
func MergeAll(results []AggregatedResult) AggregatedResult {
	if len(results) == 0 {
		return NewAggregatedResult()
	}
	merged := results[0]
	for _, r := range results[1:] {
		merged = merged.Merge(r)
	}
	return merged
}

func looksLikeJSON(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
