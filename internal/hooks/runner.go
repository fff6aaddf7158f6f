package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Runner executes hook commands with a POSIX shell interpreter, the same
// one the interactive shell tool uses, anchored to a fixed workspace
// directory.
type Runner struct {
	WorkspaceDir string
	CLIVersion   string
}

// NewRunner returns a Runner rooted at workspaceDir.
func NewRunner(workspaceDir, cliVersion string) *Runner {
	return &Runner{WorkspaceDir: workspaceDir, CLIVersion: cliVersion}
}

// Execute runs hook with eventData merged into the standard input envelope,
// returning the raw ExecutionResult. It never returns a Go error: shell
// parse failures, interpreter errors, and timeouts are all reported as a
// failed ExecutionResult instead, matching the "hooks are never fatal"
// contract.
func (r *Runner) Execute(ctx context.Context, hook Hook, event EventName, eventData map[string]any, sessionID string) ExecutionResult {
	start := time.Now()

	input := r.buildInputData(event, eventData, sessionID)
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return ExecutionResult{HookName: hook.Name, Stderr: fmt.Sprintf("hook input encode error: %v", err), ExitCode: 1, DurationMS: sinceMS(start)}
	}

	command := r.expandEnvVars(hook.Command, sessionID)

	runCtx, cancel := context.WithTimeout(ctx, hook.timeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	exitCode, runErr := r.run(runCtx, command, bytes.NewReader(inputJSON), &stdout, &stderr, sessionID)

	duration := sinceMS(start)

	if errors.Is(runErr, context.DeadlineExceeded) {
		return ExecutionResult{
			HookName:   hook.Name,
			Stderr:     fmt.Sprintf("Hook execution timeout after %s", hook.timeout()),
			ExitCode:   124,
			DurationMS: duration,
		}
	}
	if runErr != nil && exitCode == 0 {
		return ExecutionResult{
			HookName:   hook.Name,
			Stderr:     fmt.Sprintf("Hook execution error: %v", runErr),
			ExitCode:   1,
			DurationMS: duration,
		}
	}

	return ExecutionResult{
		HookName:   hook.Name,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMS: duration,
		Success:    exitCode == 0,
	}
}

// ExecuteSequential runs hooks in order, feeding each hook's
// hook_specific_output forward into the next hook's input data, and
// stopping early at the first blocking result.
func (r *Runner) ExecuteSequential(ctx context.Context, group HookGroup, event EventName, eventData map[string]any, sessionID string) []ExecutionResult {
	current := make(map[string]any, len(eventData))
	for k, v := range eventData {
		current[k] = v
	}

	var results []ExecutionResult
	for _, hook := range group.Hooks {
		result := r.Execute(ctx, hook, event, current, sessionID)
		if result.Success && result.Stdout != "" {
			if parsed := parseOutput(result.Stdout); parsed.HookSpecificOutput != nil {
				for k, v := range parsed.HookSpecificOutput {
					current[k] = v
				}
			}
		}
		results = append(results, result)
		if result.IsBlocking() {
			break
		}
	}
	return results
}

// ExecuteParallel runs every hook in group independently and collects all
// results, regardless of individual failures.
func (r *Runner) ExecuteParallel(ctx context.Context, group HookGroup, event EventName, eventData map[string]any, sessionID string) []ExecutionResult {
	type indexed struct {
		idx    int
		result ExecutionResult
	}
	out := make(chan indexed, len(group.Hooks))
	for i, hook := range group.Hooks {
		go func(i int, hook Hook) {
			out <- indexed{i, r.Execute(ctx, hook, event, eventData, sessionID)}
		}(i, hook)
	}
	results := make([]ExecutionResult, len(group.Hooks))
	for range group.Hooks {
		item := <-out
		results[item.idx] = item.result
	}
	return results
}

func (r *Runner) buildInputData(event EventName, eventData map[string]any, sessionID string) map[string]any {
	data := map[string]any{
		"session_id":      sessionID,
		"hook_event_name": string(event),
		"workspace_dir":   r.WorkspaceDir,
		"timestamp":       nowRFC3339(),
	}
	for k, v := range eventData {
		data[k] = v
	}
	return data
}

// nowRFC3339 is a seam so tests can stub out wall-clock reads without the
// usual time.Now call; production callers get the real clock.
var nowRFC3339 = func() string { return time.Now().Format(time.RFC3339) }

func (r *Runner) expandEnvVars(command, sessionID string) string {
	replacer := strings.NewReplacer(
		"$EFLYCODE_PROJECT_DIR", r.WorkspaceDir,
		"$EFLYCODE_WORKSPACE_DIR", r.WorkspaceDir,
		"$EFLYCODE_CLI_VERSION", r.CLIVersion,
		"$EFLYCODE_SESSION_ID", sessionID,
	)
	return replacer.Replace(command)
}

func (r *Runner) run(ctx context.Context, command string, stdin *bytes.Reader, stdout, stderr *bytes.Buffer, sessionID string) (exitCode int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook execution panic: %v", p)
			exitCode = 1
		}
	}()

	parsed, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return 1, fmt.Errorf("could not parse hook command: %w", err)
	}

	env := append([]string{}, fmt.Sprintf("EFLYCODE_PROJECT_DIR=%s", r.WorkspaceDir))
	env = append(env,
		fmt.Sprintf("EFLYCODE_WORKSPACE_DIR=%s", r.WorkspaceDir),
		fmt.Sprintf("EFLYCODE_CLI_VERSION=%s", r.CLIVersion),
		fmt.Sprintf("EFLYCODE_SESSION_ID=%s", sessionID),
	)

	runner, err := interp.New(
		interp.StdIO(stdin, stdout, stderr),
		interp.Interactive(false),
		interp.Env(expand.ListEnviron(env...)),
		interp.Dir(r.WorkspaceDir),
	)
	if err != nil {
		return 1, fmt.Errorf("could not create hook interpreter: %w", err)
	}

	runErr := runner.Run(ctx, parsed)
	if runErr == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr interp.ExitStatus
	if errors.As(runErr, &exitErr) {
		return int(exitErr), runErr
	}
	return 1, runErr
}

func sinceMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func parseOutput(stdout string) Output {
	var raw struct {
		Decision           string         `json:"decision"`
		Continue           *bool          `json:"continue"`
		SystemMessage      string         `json:"systemMessage"`
		HookSpecificOutput map[string]any `json:"hookSpecificOutput"`
	}
	out := Output{Continue: true}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return out
	}
	out.Decision = raw.Decision
	if raw.Continue != nil {
		out.Continue = *raw.Continue
	}
	out.SystemMessage = raw.SystemMessage
	out.HookSpecificOutput = raw.HookSpecificOutput
	return out
}
