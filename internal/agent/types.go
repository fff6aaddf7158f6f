package agent

import (
	"context"
	"sync/atomic"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

// Lifecycle event names published to the event bus at task-level phase
// boundaries, alongside the message/tool-call events streamassembler
// publishes within a single LLM call.
const (
	EventTaskStart  = "agent.task.start"
	EventTaskStop   = "agent.task.stop"
	EventTaskError  = "agent.task.error"
	EventToolResult = "agent.tool.result"
)

// TaskStatistics accumulates usage and iteration counts across one Run
// Loop execution.
type TaskStatistics struct {
	Iterations       int
	ToolCallsCount   int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (s *TaskStatistics) addUsage(inputTokens, outputTokens int) {
	s.PromptTokens += inputTokens
	s.CompletionTokens += outputTokens
	s.TotalTokens += inputTokens + outputTokens
}

// TaskConversation is the Run Loop's result: the messages it appended to
// the session during the run, plus accumulated statistics.
type TaskConversation struct {
	Messages []provider.Message
	Stats    TaskStatistics
}

// State is the Run Loop controller's lifecycle state. The seven-value
// enum mirrors the original system's controller; initializing/ready fold
// into NewController in this rebuild and interrupted is reserved
// for a future paused-pending-user-decision state — it is not currently
// reachable by any transition here.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateInterrupting State = "interrupting"
	StateInterrupted  State = "interrupted"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// CancelToken is a one-bit, thread-safe cancellation flag bound to a
// context.CancelFunc. One is created per agent job; setting it both flips
// the flag (for callers that only want to check, not select) and cancels
// the context the Run Loop is threading through.
type CancelToken struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewCancelToken derives a cancellable context from parent and returns the
// token controlling it.
func NewCancelToken(parent context.Context) (*CancelToken, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{cancel: cancel}, ctx
}

// Cancel sets the token and cancels its context. Safe to call more than
// once or concurrently; only the first call has effect.
func (t *CancelToken) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}
