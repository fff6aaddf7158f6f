package advisor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

func TestFinishTaskAdvisor_BeforeCall_InjectsTool(t *testing.T) {
	a := NewFinishTaskAdvisor()
	req := &Request{}
	if err := a.BeforeCall(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != FinishTaskToolName {
		t.Fatalf("Tools = %+v, want finish_task injected", req.Tools)
	}

	// Calling again should not duplicate it.
	if err := a.BeforeCall(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Tools) != 1 {
		t.Fatalf("Tools = %+v, want no duplicate", req.Tools)
	}
}

func TestFinishTaskAdvisor_AfterCall_ConvertsToolCallToContent(t *testing.T) {
	a := NewFinishTaskAdvisor()
	args, _ := json.Marshal(map[string]string{"content": "all done"})
	resp := &provider.ChatResponse{
		ToolCalls: []provider.ToolCall{{ID: "1", Name: FinishTaskToolName, Arguments: args}},
	}
	if err := a.AfterCall(context.Background(), &Request{}, resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "all done" {
		t.Fatalf("Content = %q, want %q", resp.Content, "all done")
	}
	if resp.ToolCalls != nil {
		t.Fatalf("ToolCalls = %v, want nil", resp.ToolCalls)
	}
}

func TestFinishTaskAdvisor_Stream_ConvertsToolCallToContentChunks(t *testing.T) {
	a := NewFinishTaskAdvisor()
	req := &Request{Messages: []provider.Message{{Role: "user", Content: "hi"}}}
	ctx := context.Background()

	if err := a.BeforeStream(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	begin := provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "tc1", ToolCallName: FinishTaskToolName}
	if err := a.AfterStreamEvent(ctx, req, &begin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if begin.Type != provider.EventContentDelta || begin.Content != "" {
		t.Fatalf("begin event not suppressed: %+v", begin)
	}

	argsJSON, _ := json.Marshal(map[string]string{"content": "the quick brown fox jumps over the lazy dog end"})
	delta := provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: string(argsJSON)}
	if err := a.AfterStreamEvent(ctx, req, &delta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delta.Type != provider.EventContentDelta {
		t.Fatalf("delta event not converted to content: %+v", delta)
	}
	if len(delta.Content) != 20 {
		t.Fatalf("first chunk len = %d, want 20 (chunked emission)", len(delta.Content))
	}

	// Next event, still not done, should emit the next chunk of content.
	next := provider.StreamEvent{Type: provider.EventContentDelta}
	if err := a.AfterStreamEvent(ctx, req, &next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Content == "" {
		t.Fatal("expected continued content emission")
	}

	done := provider.StreamEvent{Type: provider.EventDone}
	if err := a.AfterStreamEvent(ctx, req, &done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Content == "" {
		t.Fatal("expected remaining content flushed on done")
	}
}

func TestFinishTaskAdvisor_Stream_PassesThroughUnrelatedToolCalls(t *testing.T) {
	a := NewFinishTaskAdvisor()
	req := &Request{Messages: []provider.Message{{Role: "user", Content: "hi"}}}
	ctx := context.Background()
	if err := a.BeforeStream(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	begin := provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "tc1", ToolCallName: "read_file"}
	if err := a.AfterStreamEvent(ctx, req, &begin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if begin.Type != provider.EventToolCallBegin || begin.ToolCallName != "read_file" {
		t.Fatalf("unrelated tool call was mutated: %+v", begin)
	}
}
