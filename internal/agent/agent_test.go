package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/advisor"
	"github.com/wangchen7722/eflycode-cli/internal/eventbus"
	"github.com/wangchen7722/eflycode-cli/internal/hooks"
	"github.com/wangchen7722/eflycode-cli/internal/mcp"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/session"
)

// scriptedProvider replays a fixed sequence of ChatResponses, one per
// ChatStream call, encoded as a single-shot event stream each.
type scriptedProvider struct {
	responses []provider.ChatResponse
	call      int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	if p.call >= len(p.responses) {
		p.call++
		ch := make(chan provider.StreamEvent, 1)
		ch <- provider.StreamEvent{Type: provider.EventDone}
		close(ch)
		return ch, nil
	}
	resp := p.responses[p.call]
	p.call++

	ch := make(chan provider.StreamEvent, 4+len(resp.ToolCalls))
	if resp.Content != "" {
		ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: resp.Content}
	}
	for i, tc := range resp.ToolCalls {
		ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
		ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
	}
	ch <- provider.StreamEvent{Type: provider.EventUsage, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
	ch <- provider.StreamEvent{Type: provider.EventDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return nil, nil
}

func newTestAgent(prov provider.Provider, bus *eventbus.Bus) *Agent {
	return New(Agent{
		Model:            "gpt-4o",
		Provider:         prov,
		Bus:              bus,
		Session:          session.New(),
		Advisors:         advisor.NewChain(),
		MaxContextLength: 100000,
	})
}

func TestAgent_Chat_NoToolCallsReturnsContent(t *testing.T) {
	prov := &scriptedProvider{responses: []provider.ChatResponse{{Content: "hello there"}}}
	a := newTestAgent(prov, nil)

	resp, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("Content = %q", resp.Content)
	}
	msgs := a.Session.GetMessages()
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("session messages = %+v", msgs)
	}
}

func TestRunLoop_Run_StopsOnNoToolCalls(t *testing.T) {
	prov := &scriptedProvider{responses: []provider.ChatResponse{{Content: "done"}}}
	a := newTestAgent(prov, nil)
	proxy := mcp.NewProxy(nil)

	loop := &RunLoop{Agent: a, Proxy: proxy}
	conv, err := loop.Run(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Stats.Iterations != 1 {
		t.Fatalf("Iterations = %d, want 1", conv.Stats.Iterations)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Content != "done" {
		t.Fatalf("Messages = %+v", conv.Messages)
	}
}

func TestRunLoop_Run_ExecutesToolThenStops(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"path": "a.go"})
	prov := &scriptedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "1", Name: "read_file", Arguments: args}}},
		{Content: "all done"},
	}}
	a := newTestAgent(prov, nil)
	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "read_file"}, func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "file contents"}}}, nil
	})

	loop := &RunLoop{Agent: a, Proxy: proxy}
	conv, err := loop.Run(context.Background(), "read a.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Stats.ToolCallsCount != 1 {
		t.Fatalf("ToolCallsCount = %d, want 1", conv.Stats.ToolCallsCount)
	}
	if conv.Stats.Iterations != 2 {
		t.Fatalf("Iterations = %d, want 2", conv.Stats.Iterations)
	}

	msgs := a.Session.GetMessages()
	var sawToolResult, sawSyntheticUser bool
	for _, m := range msgs {
		if m.Role == "tool" && m.Content == "file contents" {
			sawToolResult = true
		}
		if m.Role == "user" && m.Content == "The tool read_file produced: file contents\nPlease continue." {
			sawSyntheticUser = true
		}
	}
	if !sawToolResult || !sawSyntheticUser {
		t.Fatalf("session messages missing expected entries: %+v", msgs)
	}
}

func TestRunLoop_Run_FinishTaskEndsTurn(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"content": "final answer for the user"})
	prov := &scriptedProvider{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "1", Name: advisor.FinishTaskToolName, Arguments: args}}},
	}}
	a := newTestAgent(prov, nil)
	proxy := mcp.NewProxy(nil)

	loop := &RunLoop{Agent: a, Proxy: proxy}
	conv, err := loop.Run(context.Background(), "wrap up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Stats.ToolCallsCount != 0 {
		t.Fatalf("ToolCallsCount = %d, want 0 (finish_task excluded)", conv.Stats.ToolCallsCount)
	}

	msgs := a.Session.GetMessages()
	found := false
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolCallID == "1" && m.Content == "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected empty tool message satisfying adjacency invariant, got %+v", msgs)
	}
}

func TestRunLoop_Run_StopsOnIterationCap(t *testing.T) {
	args, _ := json.Marshal(map[string]string{})
	responses := make([]provider.ChatResponse, 3)
	for i := range responses {
		responses[i] = provider.ChatResponse{ToolCalls: []provider.ToolCall{{ID: "1", Name: "noop", Arguments: args}}}
	}
	prov := &scriptedProvider{responses: responses}
	a := newTestAgent(prov, nil)
	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "noop"}, func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
	})

	loop := &RunLoop{Agent: a, Proxy: proxy, MaxIterations: 3}
	conv, err := loop.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Stats.Iterations != 3 {
		t.Fatalf("Iterations = %d, want 3", conv.Stats.Iterations)
	}
}

func TestRunLoop_Run_BeforeAgentBlockingHookAbortsTurn(t *testing.T) {
	prov := &scriptedProvider{responses: []provider.ChatResponse{{Content: "should not be reached"}}}
	a := newTestAgent(prov, nil)
	proxy := mcp.NewProxy(nil)

	registry := hooks.NewRegistry()
	registry.Register(hooks.EventBeforeAgent, hooks.Hook{Name: "deny-all", Command: "exit 2"}, "", true)
	runner := hooks.NewRunner(t.TempDir(), "test")
	pipeline := hooks.NewPipeline(registry, runner)

	loop := &RunLoop{Agent: a, Proxy: proxy, Hooks: pipeline}
	conv, err := loop.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Stats.Iterations != 0 {
		t.Fatalf("Iterations = %d, want 0 (aborted before first model call)", conv.Stats.Iterations)
	}
	if prov.call != 0 {
		t.Fatalf("provider was called %d times, want 0", prov.call)
	}
}

func TestController_Submit_RejectsConcurrentJob(t *testing.T) {
	prov := &scriptedProvider{responses: []provider.ChatResponse{{Content: "done"}}}
	a := newTestAgent(prov, nil)
	loop := &RunLoop{Agent: a, Proxy: mcp.NewProxy(nil)}
	ctrl := NewController(loop)

	ctrl.mu.Lock()
	ctrl.state = StateRunning
	ctrl.mu.Unlock()

	_, err := ctrl.Submit(context.Background(), "hi")
	if err != ErrBusy {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}
