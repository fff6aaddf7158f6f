package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wangchen7722/eflycode-cli/internal/advisor"
	"github.com/wangchen7722/eflycode-cli/internal/hooks"
	"github.com/wangchen7722/eflycode-cli/internal/mcp"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

// DefaultMaxIterations bounds a Run Loop execution. The teacher's own
// internal/llm.ProcessTurn defaults to 60 rounds for its own domain; this
// rebuild follows 50 as its default, configurable per RunLoop.
const DefaultMaxIterations = 50

// reminderInterval is the number of iterations between synthetic
// recitation reminders, matching internal/llm.ProcessTurn's cadence.
const reminderInterval = 10

// recitationChunkSize and recitationChunkDelay pace the synthetic content
// deltas emitted when a finish_task tool call ends a turn, grounded in
// advisor.FinishTaskAdvisor's identical chunk size.
const (
	recitationChunkSize  = 20
	recitationChunkDelay = 50 * time.Millisecond
)

// ScratchpadReader exposes the agent's current working plan, injected into
// recitation reminders when present.
type ScratchpadReader interface {
	Content() string
}

// RunLoop drives an Agent through successive tool-calling rounds until the
// model stops requesting tools, calls finish_task, or the iteration cap is
// reached. Unlike internal/llm.ProcessTurn, which executes every tool call
// a response contains, this Run Loop acts on only the first tool call per
// iteration, per this rebuild's simplified one-call-per-round contract.
type RunLoop struct {
	Agent         *Agent
	Proxy         *mcp.Proxy
	Hooks         *hooks.Pipeline
	Scratchpad    ScratchpadReader
	MaxIterations int
}

func (r *RunLoop) maxIterations() int {
	if r.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return r.MaxIterations
}

type recentCall struct {
	name, args string
}

func (r *RunLoop) emit(event string, data map[string]any) {
	if r.Agent.Bus == nil {
		return
	}
	r.Agent.Bus.EmitSync(event, data)
}

func (r *RunLoop) dispatch(ctx context.Context, event hooks.EventName, toolName string, data map[string]any) hooks.AggregatedResult {
	if r.Hooks == nil {
		return hooks.NewAggregatedResult()
	}
	return r.Hooks.Dispatch(ctx, event, toolName, data, r.Agent.Session.ID())
}

// Run executes one user turn: it appends userInput (if non-empty) and
// loops calling the agent, executing the tool call the model requests,
// and feeding the result back, until the model produces a tool-call-free
// response, calls finish_task, or the iteration cap is hit.
func (r *RunLoop) Run(ctx context.Context, userInput string) (TaskConversation, error) {
	var conv TaskConversation

	r.emit(EventTaskStart, map[string]any{"user_input": userInput})

	before := r.dispatch(ctx, hooks.EventBeforeAgent, "", map[string]any{"user_input": userInput})
	if !before.Continue {
		msg := before.SystemMessage()
		r.emit(EventTaskStop, map[string]any{"result": msg})
		return conv, nil
	}

	if userInput != "" {
		r.Agent.Session.AddMessage(provider.Message{Role: "user", Content: userInput})
	}

	var recent []recentCall

	for iter := 0; iter < r.maxIterations(); iter++ {
		if err := ctx.Err(); err != nil {
			r.emit(EventTaskStop, map[string]any{"result": "cancelled"})
			return conv, nil
		}

		conv.Stats.Iterations++
		r.injectRecitation(iter)

		modelHook := r.dispatch(ctx, hooks.EventBeforeModel, "", nil)
		if !modelHook.Continue {
			r.emit(EventTaskStop, map[string]any{"result": modelHook.SystemMessage()})
			return conv, nil
		}

		resp, err := r.Agent.Chat(ctx, "")
		if err != nil {
			r.emit(EventTaskError, map[string]any{"error": err.Error()})
			return conv, fmt.Errorf("model call failed: %w", err)
		}
		conv.Stats.addUsage(resp.InputTokens, resp.OutputTokens)
		conv.Messages = append(conv.Messages, assistantMessage(resp))

		r.dispatch(ctx, hooks.EventAfterModel, "", map[string]any{"llm_response": resp.Content})

		if len(resp.ToolCalls) == 0 {
			r.emit(EventTaskStop, map[string]any{"result": resp.Content})
			return conv, nil
		}

		tc := resp.ToolCalls[0]

		if tc.Name == advisor.FinishTaskToolName {
			return r.finishTask(ctx, conv, tc)
		}

		toolMsg, err := r.executeTool(ctx, tc)
		if err != nil {
			r.emit(EventTaskError, map[string]any{"error": err.Error()})
			return conv, err
		}
		conv.Messages = append(conv.Messages, toolMsg)
		conv.Stats.ToolCallsCount++

		r.Agent.Session.AddMessage(toolMsg)

		recent = append(recent, recentCall{name: tc.Name, args: string(tc.Arguments)})
		if len(recent) >= 3 {
			last3 := recent[len(recent)-3:]
			if last3[0] == last3[1] && last3[1] == last3[2] {
				warning := "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
				if r.Agent.Session.AppendToLastToolMessage(warning) {
					conv.Messages[len(conv.Messages)-1].Content += warning
				}
			}
		}

		synthetic := fmt.Sprintf("The tool %s produced: %s\nPlease continue.", tc.Name, toolMsg.Content)
		userMsg := provider.Message{Role: "user", Content: synthetic}
		conv.Messages = append(conv.Messages, userMsg)
		r.Agent.Session.AddMessage(userMsg)
	}

	r.emit(EventTaskStop, map[string]any{"result": "max iterations reached"})
	return conv, nil
}

// executeTool runs a BeforeTool hook (honoring a block/deny decision as an
// ExecutionError), invokes the tool through the proxy, runs AfterTool, and
// returns the resulting tool message.
func (r *RunLoop) executeTool(ctx context.Context, tc provider.ToolCall) (provider.Message, error) {
	before := r.dispatch(ctx, hooks.EventBeforeTool, tc.Name, map[string]any{
		"tool_name":  tc.Name,
		"tool_input": string(tc.Arguments),
	})
	if before.Decision == "block" || before.Decision == "deny" || !before.Continue {
		execErr := &mcp.ExecutionError{ToolName: tc.Name, Message: before.SystemMessage()}
		return provider.Message{Role: "tool", Content: execErr.Error(), ToolCallID: tc.ID}, nil
	}

	result, err := r.Proxy.CallTool(ctx, tc.Name, tc.Arguments)
	if err != nil {
		return provider.Message{}, fmt.Errorf("tool %s: %w", tc.Name, err)
	}

	text := extractText(result.Content)
	r.dispatch(ctx, hooks.EventAfterTool, tc.Name, map[string]any{
		"tool_name":   tc.Name,
		"tool_result": text,
	})
	r.emit(EventToolResult, map[string]any{"tool_name": tc.Name, "tool_call_id": tc.ID, "content": text})

	return provider.Message{Role: "tool", Content: text, ToolCallID: tc.ID}, nil
}

func extractText(blocks []mcp.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// finishTask satisfies the tool-message adjacency invariant with an empty
// tool result for the finish_task call, then streams its content argument
// to the UI as synthetic content deltas before stopping the task.
func (r *RunLoop) finishTask(ctx context.Context, conv TaskConversation, tc provider.ToolCall) (TaskConversation, error) {
	toolMsg := provider.Message{Role: "tool", Content: "", ToolCallID: tc.ID}
	conv.Messages = append(conv.Messages, toolMsg)
	r.Agent.Session.AddMessage(toolMsg)

	content, err := advisor.ParseFinishTaskContent(tc.Arguments)
	if err != nil {
		content = string(tc.Arguments)
	}

	remaining := content
	for len(remaining) > 0 {
		n := recitationChunkSize
		if n > len(remaining) {
			n = len(remaining)
		}
		chunk := remaining[:n]
		remaining = remaining[n:]
		r.emit(streamassemblerMessageDelta, map[string]any{"content": chunk})
		if len(remaining) > 0 {
			select {
			case <-ctx.Done():
				break
			case <-time.After(recitationChunkDelay):
			}
		}
	}
	r.emit(streamassemblerMessageStop, nil)
	r.emit(EventTaskStop, map[string]any{"result": content})
	return conv, nil
}

// injectRecitation mirrors internal/llm.ProcessTurn's injectRecitation: at
// every reminderInterval-th iteration it reminds the model of the current
// scratchpad contents (or, failing that, the session's initial question)
// by appending a <system-reminder> block to the last tool message in
// place, so the reminder never shifts message positions or breaks the
// tool-call/tool-result adjacency invariant.
func (r *RunLoop) injectRecitation(iter int) {
	if iter == 0 || iter%reminderInterval != 0 {
		return
	}

	var reminder string
	if r.Scratchpad != nil {
		reminder = r.Scratchpad.Content()
	}
	if reminder == "" {
		if q := r.Agent.Session.InitialUserQuestion(); q != "" {
			reminder = "The user's request: " + q
		}
	}
	if reminder == "" {
		return
	}

	if r.Agent.Session.AppendToLastToolMessage("\n\n<system-reminder>\n" + reminder + "\n</system-reminder>") {
		log.Debug().Int("iteration", iter).Msg("injecting recitation reminder")
	}
}

// streamassemblerMessageDelta/Stop duplicate streamassembler's event name
// strings rather than importing the package, since RunLoop's finish_task
// path emits synthetic deltas directly (no provider.StreamEvent channel
// backs them) and doesn't otherwise need an Assembler.
const (
	streamassemblerMessageDelta = "agent.message.delta"
	streamassemblerMessageStop  = "agent.message.stop"
)
