package hooks

import (
	"context"
	"testing"
	"time"
)

func TestMatchesTool_WildcardMatchesEverything(t *testing.T) {
	if !matchesTool("*", "read_file") {
		t.Fatal("expected wildcard to match")
	}
	if !matchesTool("", "anything") {
		t.Fatal("expected empty matcher to match")
	}
}

func TestMatchesTool_RegexAnchoredAtStart(t *testing.T) {
	if !matchesTool("read_.*", "read_file") {
		t.Fatal("expected regex prefix match")
	}
	if matchesTool("read_.*", "write_file") {
		t.Fatal("expected no match for different prefix")
	}
}

func TestMatchesTool_GlobFallback(t *testing.T) {
	// "*_file" is not a valid regexp (leading repetition), so the glob path runs.
	if !matchesTool("*_file", "edit_file") {
		t.Fatal("expected glob match")
	}
}

func TestRegistry_RegisterDefaultGroupsByMatcher(t *testing.T) {
	r := NewRegistry()
	r.Register(EventBeforeTool, Hook{Name: "a", Command: "true"}, "", false)
	r.Register(EventBeforeTool, Hook{Name: "b", Command: "true"}, "", false)

	groups := r.ForEvent(EventBeforeTool, "")
	if len(groups) != 1 {
		t.Fatalf("expected both hooks folded into one default group, got %d groups", len(groups))
	}
	if len(groups[0].Hooks) != 2 {
		t.Fatalf("expected 2 hooks in default group, got %d", len(groups[0].Hooks))
	}
}

func TestRegistry_ForEventFiltersByToolName(t *testing.T) {
	r := NewRegistry()
	r.Register(EventBeforeTool, Hook{Name: "read-only", Command: "true", Matcher: "read_.*"}, "", false)
	r.Register(EventBeforeTool, Hook{Name: "write-only", Command: "true", Matcher: "write_.*"}, "", false)

	groups := r.ForEvent(EventBeforeTool, "read_file")
	total := 0
	for _, g := range groups {
		total += len(g.Hooks)
	}
	if total != 1 {
		t.Fatalf("expected 1 matching hook for read_file, got %d", total)
	}
}

func TestRunner_ExecutePlainEcho(t *testing.T) {
	r := NewRunner(t.TempDir(), "test-version")
	result := r.Execute(context.Background(), Hook{Name: "echo", Command: "cat >/dev/null; echo hi"}, EventBeforeTool, nil, "sess-1")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Stdout != "hi\n" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "hi\n")
	}
}

func TestRunner_ExecuteNonZeroExit(t *testing.T) {
	r := NewRunner(t.TempDir(), "test-version")
	result := r.Execute(context.Background(), Hook{Name: "fail", Command: "cat >/dev/null; exit 2"}, EventBeforeTool, nil, "sess-1")
	if result.Success {
		t.Fatal("expected failure")
	}
	if !result.IsBlocking() {
		t.Fatalf("expected exit code 2 to be blocking, got %d", result.ExitCode)
	}
}

func TestRunner_ExecuteTimeout(t *testing.T) {
	r := NewRunner(t.TempDir(), "test-version")
	hook := Hook{Name: "slow", Command: "cat >/dev/null; sleep 5", Timeout: 50 * time.Millisecond}
	result := r.Execute(context.Background(), hook, EventBeforeTool, nil, "sess-1")
	if result.ExitCode != 124 {
		t.Fatalf("exit code = %d, want 124 (timeout)", result.ExitCode)
	}
}

func TestRunner_ExpandEnvVarsSubstitutesLiteralTokens(t *testing.T) {
	r := NewRunner("/workspace", "1.2.3")
	expanded := r.expandEnvVars("echo $EFLYCODE_CLI_VERSION $EFLYCODE_SESSION_ID", "sess-42")
	want := "echo 1.2.3 sess-42"
	if expanded != want {
		t.Fatalf("expandEnvVars = %q, want %q", expanded, want)
	}
}

func TestAggregate_BlockingHooksConcatenateStderr(t *testing.T) {
	results := []ExecutionResult{
		{HookName: "a", ExitCode: 2, Stderr: "first blocked"},
		{HookName: "b", ExitCode: 2, Stderr: "second blocked"},
	}
	agg := Aggregate(results)
	if agg.Continue {
		t.Fatal("expected Continue=false on blocking result")
	}
	want := "first blocked\nsecond blocked"
	if agg.SystemMessage() != want {
		t.Fatalf("SystemMessage() = %q, want %q", agg.SystemMessage(), want)
	}
}

func TestAggregate_SuccessfulJSONOutputMerged(t *testing.T) {
	results := []ExecutionResult{
		{HookName: "a", ExitCode: 0, Success: true, Stdout: `{"decision":"deny","systemMessage":"no way"}`},
	}
	agg := Aggregate(results)
	if agg.Decision != "deny" {
		t.Fatalf("Decision = %q, want deny", agg.Decision)
	}
	if agg.SystemMessage() != "no way" {
		t.Fatalf("SystemMessage() = %q, want %q", agg.SystemMessage(), "no way")
	}
}

func TestAggregate_NonJSONStdoutBecomesSystemMessage(t *testing.T) {
	results := []ExecutionResult{
		{HookName: "a", ExitCode: 0, Success: true, Stdout: "plain text note"},
	}
	agg := Aggregate(results)
	if agg.SystemMessage() != "plain text note" {
		t.Fatalf("SystemMessage() = %q, want %q", agg.SystemMessage(), "plain text note")
	}
}

func TestAggregatedResult_MergeDecisionPriority(t *testing.T) {
	a := AggregatedResult{Decision: "allow", Continue: true}
	b := AggregatedResult{Decision: "ask", Continue: true}
	merged := a.Merge(b)
	if merged.Decision != "ask" {
		t.Fatalf("Decision = %q, want ask (higher priority than allow)", merged.Decision)
	}

	c := AggregatedResult{Decision: "block", Continue: true}
	merged2 := merged.Merge(c)
	if merged2.Decision != "block" {
		t.Fatalf("Decision = %q, want block", merged2.Decision)
	}
}

func TestAggregatedResult_MergeDoesNotMutateOperands(t *testing.T) {
	a := AggregatedResult{Decision: "allow", Continue: true, SystemMessages: []string{"m1"}}
	b := AggregatedResult{Decision: "deny", Continue: false, SystemMessages: []string{"m2"}}
	_ = a.Merge(b)
	if len(a.SystemMessages) != 1 || a.SystemMessages[0] != "m1" {
		t.Fatalf("a was mutated: %+v", a)
	}
	if a.Continue != true {
		t.Fatalf("a.Continue was mutated: %v", a.Continue)
	}
}

func TestPipeline_DispatchWithNoHooksReturnsIdentity(t *testing.T) {
	p := NewPipeline(NewRegistry(), NewRunner(t.TempDir(), "v1"))
	result := p.Dispatch(context.Background(), EventBeforeTool, "read_file", nil, "sess")
	if !result.Continue {
		t.Fatal("expected Continue=true with no hooks registered")
	}
}

func TestPipeline_DispatchRunsMatchingHook(t *testing.T) {
	r := NewRegistry()
	r.Register(EventBeforeTool, Hook{Name: "deny-write", Command: "cat >/dev/null; echo '{\"decision\":\"deny\"}'", Matcher: "write_.*"}, "", false)
	p := NewPipeline(r, NewRunner(t.TempDir(), "v1"))

	result := p.Dispatch(context.Background(), EventBeforeTool, "write_file", nil, "sess")
	if result.Decision != "deny" {
		t.Fatalf("Decision = %q, want deny", result.Decision)
	}
}
