package advisor

import (
	"context"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

// Chain runs a fixed, ordered list of Advisors around an LLM call or
// stream: before-hooks run in order, after-hooks (and error recovery) run
// in reverse order, giving the usual onion-model composition.
type Chain struct {
	advisors []Advisor
}

// NewChain returns a Chain over advisors, applied in the given order.
func NewChain(advisors ...Advisor) *Chain {
	return &Chain{advisors: advisors}
}

// APICall performs the underlying provider call once the chain has
// finished rewriting the request.
type APICall func(ctx context.Context, req *Request) (*provider.ChatResponse, error)

// APIStream performs the underlying provider streaming call once the
// chain has finished rewriting the request.
type APIStream func(ctx context.Context, req *Request) (<-chan provider.StreamEvent, error)

// Call runs req through BeforeCall (in order), invokes apiCall, then runs
// the result through AfterCall (in reverse order). If apiCall fails, each
// advisor gets a chance (in reverse order) to recover via OnCallError; the
// first one to return without error wins. If none recover, the original
// error is returned.
func (c *Chain) Call(ctx context.Context, req *Request, apiCall APICall) (*provider.ChatResponse, error) {
	for _, a := range c.advisors {
		if err := a.BeforeCall(ctx, req); err != nil {
			return nil, err
		}
	}

	resp, err := apiCall(ctx, req)
	if err != nil {
		for i := len(c.advisors) - 1; i >= 0; i-- {
			recovered, recErr := c.advisors[i].OnCallError(ctx, req, err)
			if recErr == nil {
				return recovered, nil
			}
		}
		return nil, err
	}

	for i := len(c.advisors) - 1; i >= 0; i-- {
		if err := c.advisors[i].AfterCall(ctx, req, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Stream runs req through BeforeStream (in order), invokes apiStream, and
// returns a channel that applies AfterStreamEvent (in reverse order) to
// every upstream event before forwarding it. A synchronous apiStream
// error, or a per-event AfterStreamEvent error, both go through the same
// reversed-order OnStreamError recovery as Call's OnCallError.
func (c *Chain) Stream(ctx context.Context, req *Request, apiStream APIStream) (<-chan provider.StreamEvent, error) {
	for _, a := range c.advisors {
		if err := a.BeforeStream(ctx, req); err != nil {
			return nil, err
		}
	}

	upstream, err := apiStream(ctx, req)
	if err != nil {
		if recovered, ok := c.recoverStreamError(ctx, req, err); ok {
			out := make(chan provider.StreamEvent, 1)
			out <- *recovered
			close(out)
			return out, nil
		}
		return nil, err
	}

	out := make(chan provider.StreamEvent)
	go c.pump(ctx, req, upstream, out)
	return out, nil
}

func (c *Chain) pump(ctx context.Context, req *Request, upstream <-chan provider.StreamEvent, out chan<- provider.StreamEvent) {
	defer close(out)

	for event := range upstream {
		ev := event
		if err := c.applyAfterStreamEvent(ctx, req, &ev); err != nil {
			if recovered, ok := c.recoverStreamError(ctx, req, err); ok {
				out <- *recovered
				return
			}
			out <- provider.StreamEvent{Type: provider.EventError, Err: err}
			return
		}
		out <- ev
	}
}

func (c *Chain) applyAfterStreamEvent(ctx context.Context, req *Request, event *provider.StreamEvent) error {
	for i := len(c.advisors) - 1; i >= 0; i-- {
		if err := c.advisors[i].AfterStreamEvent(ctx, req, event); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) recoverStreamError(ctx context.Context, req *Request, err error) (*provider.StreamEvent, bool) {
	for i := len(c.advisors) - 1; i >= 0; i-- {
		recovered, recErr := c.advisors[i].OnStreamError(ctx, req, err)
		if recErr == nil {
			return recovered, true
		}
	}
	return nil, false
}
