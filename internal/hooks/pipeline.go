package hooks

import "context"

// Pipeline ties a Registry and Runner together into the single call sites
// reach for: "run every hook bound to this event (optionally filtered to a
// tool name) and give me the aggregated verdict."
type Pipeline struct {
	Registry *Registry
	Runner   *Runner
}

// NewPipeline returns a Pipeline over registry and runner.
func NewPipeline(registry *Registry, runner *Runner) *Pipeline {
	return &Pipeline{Registry: registry, Runner: runner}
}

// Dispatch runs every HookGroup registered for event that matches
// toolName (pass "" to skip tool matching) and returns the merged
// AggregatedResult across all of them. Groups marked Sequential run their
// hooks one after another, stopping at the first blocking result; other
// groups run their hooks concurrently.
func (p *Pipeline) Dispatch(ctx context.Context, event EventName, toolName string, eventData map[string]any, sessionID string) AggregatedResult {
	groups := p.Registry.ForEvent(event, toolName)
	if len(groups) == 0 {
		return NewAggregatedResult()
	}

	perGroup := make([]AggregatedResult, 0, len(groups))
	for _, group := range groups {
		var results []ExecutionResult
		if group.Sequential {
			results = p.Runner.ExecuteSequential(ctx, group, event, eventData, sessionID)
		} else {
			results = p.Runner.ExecuteParallel(ctx, group, event, eventData, sessionID)
		}
		perGroup = append(perGroup, Aggregate(results))
	}

	return MergeAll(perGroup)
}
