package advisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

// FinishTaskToolName is the tool call this advisor intercepts and
// converts into a plain assistant message.
const FinishTaskToolName = "finish_task"

var finishTaskSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"content": {"type": "string", "description": "The final answer to present to the user."}
	},
	"required": ["content"]
}`)

var finishTaskTool = provider.Tool{
	Name:        FinishTaskToolName,
	Description: "Signal that the task is complete and present the final answer to the user.",
	Parameters:  finishTaskSchema,
}

// FinishTaskAdvisor injects a finish_task tool definition into every
// request and transparently rewrites a finish_task call — non-streamed or
// streamed — into ordinary assistant content, so callers never need to
// special-case this tool.
type FinishTaskAdvisor struct {
	EmbeddableAdvisor

	mu     sync.Mutex
	states map[string]*streamState
}

// NewFinishTaskAdvisor returns a ready FinishTaskAdvisor.
func NewFinishTaskAdvisor() *FinishTaskAdvisor {
	return &FinishTaskAdvisor{states: make(map[string]*streamState)}
}

// streamState tracks the in-flight tool-call accumulation and the
// chunked-emission cursor for one streaming request.
type streamState struct {
	toolCalls     map[int]*toolCallAccum
	detected      bool
	detectedIndex int
	content       string
	contentIndex  int
	converted     bool
}

type toolCallAccum struct {
	id, name, arguments string
}

func (a *FinishTaskAdvisor) BeforeCall(ctx context.Context, req *Request) error {
	a.ensureTool(req)
	return nil
}

func (a *FinishTaskAdvisor) BeforeStream(ctx context.Context, req *Request) error {
	a.ensureTool(req)
	key := requestKey(req)
	a.mu.Lock()
	a.states[key] = &streamState{toolCalls: make(map[int]*toolCallAccum)}
	a.mu.Unlock()
	return nil
}

func (a *FinishTaskAdvisor) ensureTool(req *Request) {
	for _, t := range req.Tools {
		if t.Name == FinishTaskToolName {
			return
		}
	}
	req.Tools = append(req.Tools, finishTaskTool)
}

// AfterCall converts a non-streamed finish_task tool call into plain
// assistant content.
func (a *FinishTaskAdvisor) AfterCall(ctx context.Context, req *Request, resp *provider.ChatResponse) error {
	for _, tc := range resp.ToolCalls {
		if tc.Name != FinishTaskToolName {
			continue
		}
		var args struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(tc.Arguments, &args)
		resp.Content = args.Content
		resp.ToolCalls = nil
		break
	}
	return nil
}

// AfterStreamEvent rewrites the streamed finish_task tool call in place:
// tool-call events belonging to it are suppressed (turned into empty
// content deltas) until the accumulated arguments parse with a non-empty
// "content" field, at which point this and every subsequent event for the
// request emit chunks of that content instead.
func (a *FinishTaskAdvisor) AfterStreamEvent(ctx context.Context, req *Request, event *provider.StreamEvent) error {
	key := requestKey(req)
	a.mu.Lock()
	state := a.states[key]
	a.mu.Unlock()
	if state == nil {
		return nil
	}

	if state.converted {
		emitContentChunk(event, state)
		if event.Type == provider.EventDone {
			a.mu.Lock()
			delete(a.states, key)
			a.mu.Unlock()
		}
		return nil
	}

	switch event.Type {
	case provider.EventToolCallBegin:
		acc := &toolCallAccum{id: event.ToolCallID, name: event.ToolCallName}
		state.toolCalls[event.ToolCallIndex] = acc
		if acc.name == FinishTaskToolName {
			state.detected = true
			state.detectedIndex = event.ToolCallIndex
			suppressToolCallEvent(event)
		}

	case provider.EventToolCallDelta:
		acc, ok := state.toolCalls[event.ToolCallIndex]
		if !ok {
			acc = &toolCallAccum{}
			state.toolCalls[event.ToolCallIndex] = acc
		}
		acc.arguments += event.ToolCallArgs

		if acc.name == FinishTaskToolName {
			state.detected = true
			state.detectedIndex = event.ToolCallIndex
			if content, ok := parseFinishTaskContent(acc.arguments); ok && content != "" {
				state.content = content
				state.converted = true
				emitContentChunk(event, state)
			} else {
				suppressToolCallEvent(event)
			}
		}
	}

	if event.Type == provider.EventDone {
		a.mu.Lock()
		delete(a.states, key)
		a.mu.Unlock()
	}

	return nil
}

func parseFinishTaskContent(arguments string) (string, bool) {
	var args struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", false
	}
	return args.Content, true
}

// ParseFinishTaskContent decodes a finish_task tool call's arguments,
// exported for callers (the Run Loop's non-stream path) that need to
// resolve a raw finish_task tool call without going through the advisor's
// streaming state machine.
func ParseFinishTaskContent(arguments json.RawMessage) (string, error) {
	content, ok := parseFinishTaskContent(string(arguments))
	if !ok {
		return "", fmt.Errorf("finish_task: invalid arguments %q", arguments)
	}
	return content, nil
}

// suppressToolCallEvent turns a tool-call event into an invisible, empty
// content delta so it never reaches the UI as a visible tool invocation.
func suppressToolCallEvent(event *provider.StreamEvent) {
	event.Type = provider.EventContentDelta
	event.Content = ""
	event.ToolCallID = ""
	event.ToolCallName = ""
	event.ToolCallArgs = ""
}

// emitContentChunk fills event with the next slice of state.content: up to
// 20 runes at a time to simulate streaming, or everything remaining once
// the upstream event signals completion.
func emitContentChunk(event *provider.StreamEvent, state *streamState) {
	remaining := state.content[state.contentIndex:]
	if remaining == "" {
		return
	}

	var chunk string
	if event.Type == provider.EventDone {
		chunk = remaining
		state.contentIndex = len(state.content)
	} else {
		runes := []rune(remaining)
		n := 20
		if n > len(runes) {
			n = len(runes)
		}
		chunk = string(runes[:n])
		state.contentIndex += len(chunk)
	}

	event.Content = chunk
	event.ToolCallID = ""
	event.ToolCallName = ""
	event.ToolCallArgs = ""
}

// requestKey derives a stable identifier for a request from its message
// roles and contents, standing in for the Python source's md5-of-messages
// request id now that there is no shared request object carried across
// BeforeStream/AfterStreamEvent calls.
func requestKey(req *Request) string {
	h := sha256.New()
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
