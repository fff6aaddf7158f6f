// Package advisor implements the onion-model middleware chain that wraps
// every LLM call and stream: each Advisor can rewrite the outgoing request,
// rewrite the response (or each streamed event) on the way back, and
// recover from a failed call.
package advisor

import (
	"context"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

// Request is the mutable request state threaded through a chain
// invocation. Advisors mutate it in place rather than returning a copy,
// since Go favors explicit pointer mutation over reassignment chains.
type Request struct {
	Messages []provider.Message
	Tools    []provider.Tool
}

// Advisor intercepts LLM calls and streams. Every method has a no-op
// default via EmbeddableAdvisor, so concrete advisors only implement the
// hooks they care about.
type Advisor interface {
	BeforeCall(ctx context.Context, req *Request) error
	AfterCall(ctx context.Context, req *Request, resp *provider.ChatResponse) error
	OnCallError(ctx context.Context, req *Request, err error) (*provider.ChatResponse, error)

	BeforeStream(ctx context.Context, req *Request) error
	AfterStreamEvent(ctx context.Context, req *Request, event *provider.StreamEvent) error
	OnStreamError(ctx context.Context, req *Request, err error) (*provider.StreamEvent, error)
}

// EmbeddableAdvisor gives every hook a pass-through default. Concrete
// advisors embed it and override only the hooks they need.
type EmbeddableAdvisor struct{}

func (EmbeddableAdvisor) BeforeCall(context.Context, *Request) error { return nil }
func (EmbeddableAdvisor) AfterCall(context.Context, *Request, *provider.ChatResponse) error {
	return nil
}
func (EmbeddableAdvisor) OnCallError(_ context.Context, _ *Request, err error) (*provider.ChatResponse, error) {
	return nil, err
}
func (EmbeddableAdvisor) BeforeStream(context.Context, *Request) error { return nil }
func (EmbeddableAdvisor) AfterStreamEvent(context.Context, *Request, *provider.StreamEvent) error {
	return nil
}
func (EmbeddableAdvisor) OnStreamError(_ context.Context, _ *Request, err error) (*provider.StreamEvent, error) {
	return nil, err
}
