package advisor

import (
	"context"
	"errors"
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

type recordingAdvisor struct {
	EmbeddableAdvisor
	name  string
	trace *[]string
}

func (r *recordingAdvisor) BeforeCall(ctx context.Context, req *Request) error {
	*r.trace = append(*r.trace, r.name+":before")
	return nil
}

func (r *recordingAdvisor) AfterCall(ctx context.Context, req *Request, resp *provider.ChatResponse) error {
	*r.trace = append(*r.trace, r.name+":after")
	return nil
}

func TestChain_Call_OnionOrdering(t *testing.T) {
	var trace []string
	chain := NewChain(
		&recordingAdvisor{name: "a", trace: &trace},
		&recordingAdvisor{name: "b", trace: &trace},
	)

	_, err := chain.Call(context.Background(), &Request{}, func(ctx context.Context, req *Request) (*provider.ChatResponse, error) {
		trace = append(trace, "api")
		return &provider.ChatResponse{Content: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"a:before", "b:before", "api", "b:after", "a:after"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

type recoveringAdvisor struct {
	EmbeddableAdvisor
	recovers bool
}

func (r *recoveringAdvisor) OnCallError(ctx context.Context, req *Request, err error) (*provider.ChatResponse, error) {
	if r.recovers {
		return &provider.ChatResponse{Content: "recovered"}, nil
	}
	return nil, err
}

func TestChain_Call_RecoversFromError(t *testing.T) {
	chain := NewChain(&recoveringAdvisor{recovers: false}, &recoveringAdvisor{recovers: true})

	resp, err := chain.Call(context.Background(), &Request{}, func(ctx context.Context, req *Request) (*provider.ChatResponse, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("resp.Content = %q, want recovered", resp.Content)
	}
}

func TestChain_Call_PropagatesUnrecoveredError(t *testing.T) {
	chain := NewChain(&recoveringAdvisor{recovers: false})

	_, err := chain.Call(context.Background(), &Request{}, func(ctx context.Context, req *Request) (*provider.ChatResponse, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestChain_Stream_AppliesAfterStreamEventInReverseOrder(t *testing.T) {
	var trace []string
	upper := &funcAdvisor{after: func(e *provider.StreamEvent) { trace = append(trace, "upper"); e.Content += "U" }}
	lower := &funcAdvisor{after: func(e *provider.StreamEvent) { trace = append(trace, "lower"); e.Content += "L" }}

	chain := NewChain(upper, lower)
	out, err := chain.Stream(context.Background(), &Request{}, func(ctx context.Context, req *Request) (<-chan provider.StreamEvent, error) {
		ch := make(chan provider.StreamEvent, 1)
		ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: "x"}
		close(ch)
		return ch, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := <-out
	if event.Content != "xLU" {
		t.Fatalf("Content = %q, want xLU (lower applied first, reverse order)", event.Content)
	}
}

type funcAdvisor struct {
	EmbeddableAdvisor
	after func(*provider.StreamEvent)
}

func (f *funcAdvisor) AfterStreamEvent(ctx context.Context, req *Request, event *provider.StreamEvent) error {
	f.after(event)
	return nil
}

func TestChain_Stream_SyncErrorRecovered(t *testing.T) {
	chain := NewChain(&recoveringStreamAdvisor{recovers: true})
	out, err := chain.Stream(context.Background(), &Request{}, func(ctx context.Context, req *Request) (<-chan provider.StreamEvent, error) {
		return nil, errors.New("upstream failed")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	event := <-out
	if event.Content != "recovered" {
		t.Fatalf("Content = %q, want recovered", event.Content)
	}
}

type recoveringStreamAdvisor struct {
	EmbeddableAdvisor
	recovers bool
}

func (r *recoveringStreamAdvisor) OnStreamError(ctx context.Context, req *Request, err error) (*provider.StreamEvent, error) {
	if r.recovers {
		return &provider.StreamEvent{Type: provider.EventContentDelta, Content: "recovered"}, nil
	}
	return nil, err
}
