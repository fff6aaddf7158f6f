package streamassembler

import (
	"errors"
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/eventbus"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

func TestCollect_FoldsContentAndToolCalls(t *testing.T) {
	ch := make(chan provider.StreamEvent, 8)
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: "hel"}
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: "lo"}
	ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "t1", ToolCallName: "read_file"}
	ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":`}
	ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `"a.go"}`}
	ch <- provider.StreamEvent{Type: provider.EventUsage, InputTokens: 10, OutputTokens: 5}
	ch <- provider.StreamEvent{Type: provider.EventDone}
	close(ch)

	a := New(nil)
	resp, err := a.Collect(ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("Content = %q, want hello", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Arguments) != `{"path":"a.go"}` {
		t.Fatalf("Arguments = %q", resp.ToolCalls[0].Arguments)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Fatalf("usage not folded: %+v", resp)
	}
}

func TestCollect_ErrorEventReturnsError(t *testing.T) {
	ch := make(chan provider.StreamEvent, 1)
	ch <- provider.StreamEvent{Type: provider.EventError, Err: errors.New("boom")}
	close(ch)

	a := New(nil)
	_, err := a.Collect(ch)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestCollect_PublishesLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(true, 0)

	var seen []string
	bus.Subscribe(EventMessageStart, func(data any) { seen = append(seen, EventMessageStart) }, eventbus.SubscribeOptions{})
	bus.Subscribe(EventMessageStop, func(data any) { seen = append(seen, EventMessageStop) }, eventbus.SubscribeOptions{})

	ch := make(chan provider.StreamEvent, 1)
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: "hi"}
	close(ch)

	a := New(bus)
	if _, err := a.Collect(ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seen) != 2 || seen[0] != EventMessageStart || seen[1] != EventMessageStop {
		t.Fatalf("seen = %v, want [start stop]", seen)
	}
}

func TestCollect_ToolCallEventsUseDocumentedPayloadKeys(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(true, 0)

	var startPayload, readyPayload map[string]any
	bus.Subscribe(EventToolCallStart, func(data any) { startPayload = data.(map[string]any) }, eventbus.SubscribeOptions{})
	bus.Subscribe(EventToolCallReady, func(data any) { readyPayload = data.(map[string]any) }, eventbus.SubscribeOptions{})

	ch := make(chan provider.StreamEvent, 4)
	ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "t1", ToolCallName: "read_file"}
	ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":"a.go"}`}
	ch <- provider.StreamEvent{Type: provider.EventDone}
	close(ch)

	a := New(bus)
	if _, err := a.Collect(ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if startPayload["tool_call_id"] != "t1" || startPayload["tool_name"] != "read_file" {
		t.Fatalf("start payload = %+v, want tool_call_id=t1 tool_name=read_file", startPayload)
	}
	if readyPayload["tool_call_id"] != "t1" || readyPayload["tool_name"] != "read_file" {
		t.Fatalf("ready payload = %+v, want tool_call_id=t1 tool_name=read_file", readyPayload)
	}
	args, ok := readyPayload["arguments"].(map[string]any)
	if !ok {
		t.Fatalf("arguments = %#v, want parsed JSON object", readyPayload["arguments"])
	}
	if args["path"] != "a.go" {
		t.Fatalf("arguments[\"path\"] = %v, want a.go", args["path"])
	}
}
