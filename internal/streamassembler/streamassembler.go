// Package streamassembler folds a channel of provider.StreamEvent values
// into a complete response and emits UI-facing lifecycle events at phase
// boundaries (message start/delta/stop, tool call start/ready).
package streamassembler

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/wangchen7722/eflycode-cli/internal/eventbus"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

// UI event names emitted on bus at stream phase boundaries.
const (
	EventMessageStart  = "agent.message.start"
	EventMessageDelta  = "agent.message.delta"
	EventMessageStop   = "agent.message.stop"
	EventToolCallStart = "agent.tool.call.start"
	EventToolCallReady = "agent.tool.call.ready"
)

// StreamContext identifies one in-flight stream for the lifetime of a
// single Collect call, letting UI event payloads correlate deltas back to
// the message they belong to.
type StreamContext struct {
	ID string
}

// NewStreamContext returns a StreamContext with a fresh uuid.
func NewStreamContext() StreamContext {
	return StreamContext{ID: uuid.NewString()}
}

// toolCallAccum tracks one tool call's name/id and accumulated argument
// fragments as they stream in, keyed by the provider's declared index.
type toolCallAccum struct {
	id, name string
	args     string
}

// Assembler folds a single stream into a provider.ChatResponse while
// publishing lifecycle events to bus. Each Assembler is single-use: create
// one per Collect call.
type Assembler struct {
	bus *eventbus.Bus
}

// New returns an Assembler that publishes lifecycle events to bus. bus may
// be nil, in which case Collect runs silently.
func New(bus *eventbus.Bus) *Assembler {
	return &Assembler{bus: bus}
}

// Collect drains ch, folding content/reasoning/tool-call deltas into a
// ChatResponse and publishing lifecycle events around the draining. It
// returns the first EventError event's Err, if one is seen.
func (a *Assembler) Collect(stream <-chan provider.StreamEvent) (*provider.ChatResponse, error) {
	sc := NewStreamContext()
	a.publish(EventMessageStart, sc, nil)

	var resp provider.ChatResponse
	byIndex := make(map[int]*toolCallAccum)
	var order []int

	for evt := range stream {
		switch evt.Type {
		case provider.EventContentDelta:
			resp.Content += evt.Content
			a.publish(EventMessageDelta, sc, map[string]any{"content": evt.Content})

		case provider.EventReasoningDelta:
			resp.Reasoning += evt.Content
			a.publish(EventMessageDelta, sc, map[string]any{"reasoning": evt.Content})

		case provider.EventToolCallBegin:
			acc := &toolCallAccum{id: evt.ToolCallID, name: evt.ToolCallName}
			byIndex[evt.ToolCallIndex] = acc
			order = append(order, evt.ToolCallIndex)
			a.publish(EventToolCallStart, sc, map[string]any{"tool_call_id": evt.ToolCallID, "tool_name": evt.ToolCallName})

		case provider.EventToolCallDelta:
			if acc, ok := byIndex[evt.ToolCallIndex]; ok {
				acc.args += evt.ToolCallArgs
			}

		case provider.EventUsage:
			if evt.InputTokens > resp.InputTokens {
				resp.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > resp.OutputTokens {
				resp.OutputTokens = evt.OutputTokens
			}

		case provider.EventError:
			a.publish(EventMessageStop, sc, map[string]any{"error": evt.Err.Error()})
			return nil, evt.Err

		case provider.EventDone:
			// Finalization happens after the loop exits.
		}
	}

	for _, idx := range order {
		acc := byIndex[idx]
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: json.RawMessage(acc.args),
		})
		var args any
		if acc.args != "" {
			if err := json.Unmarshal([]byte(acc.args), &args); err != nil {
				args = acc.args
			}
		}
		a.publish(EventToolCallReady, sc, map[string]any{"tool_call_id": acc.id, "tool_name": acc.name, "arguments": args})
	}

	a.publish(EventMessageStop, sc, map[string]any{"response": &resp})
	return &resp, nil
}

// publish uses EmitSync rather than Emit: lifecycle events must reach
// subscribers in the same order the stream produced them, and the queue
// behind Emit offers no such ordering guarantee relative to this call
// returning.
func (a *Assembler) publish(event string, sc StreamContext, payload map[string]any) {
	if a.bus == nil {
		return
	}
	data := map[string]any{"stream_id": sc.ID}
	for k, v := range payload {
		data[k] = v
	}
	a.bus.EmitSync(event, data)
}
