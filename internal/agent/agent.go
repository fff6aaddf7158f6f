// Package agent wires the Advisor Chain, Hook Pipeline, Context Manager,
// Event Bus, and Session together into the two operations the rest of the
// system calls: a single Chat/Stream exchange, and the tool-calling Run
// Loop built on top of it.
package agent

import (
	"context"
	"fmt"

	"github.com/wangchen7722/eflycode-cli/internal/advisor"
	"github.com/wangchen7722/eflycode-cli/internal/contextmanager"
	"github.com/wangchen7722/eflycode-cli/internal/eventbus"
	"github.com/wangchen7722/eflycode-cli/internal/mcp"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/session"
	"github.com/wangchen7722/eflycode-cli/internal/streamassembler"
	"github.com/wangchen7722/eflycode-cli/internal/tokenizer"
)

// Agent carries everything one conversation needs to turn a user message
// into model calls: the model/provider pair, the event bus, the session
// it reads/writes, the tools it advertises, and the Advisor Chain that
// wraps every call.
type Agent struct {
	Model            string
	Provider         provider.Provider
	Bus              *eventbus.Bus
	Session          *session.Session
	Tools            []mcp.Tool
	Advisors         *advisor.Chain
	Tokenizer        *tokenizer.Tokenizer
	MaxContextLength int
	Summarizer       contextmanager.Summarizer

	assembler *streamassembler.Assembler
}

// New returns an Agent. Bus may be nil (Chat/Stream then run silently).
func New(a Agent) *Agent {
	out := a
	out.assembler = streamassembler.New(a.Bus)
	return &out
}

// providerTools converts the agent's advertised mcp.Tool list to the
// provider.Tool shape the LLM call actually takes.
func (a *Agent) providerTools() []provider.Tool {
	tools := make([]provider.Tool, len(a.Tools))
	for i, t := range a.Tools {
		tools[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}
	return tools
}

// contextMessages asks the session for the message window to send,
// running it through the Context Manager's configured compression
// strategy.
func (a *Agent) contextMessages(ctx context.Context) ([]provider.Message, error) {
	return a.Session.GetContext(ctx, a.Tokenizer, a.Model, a.MaxContextLength, a.Summarizer)
}

// Chat sends text (if non-empty, appended to the session as a user
// message first), asks the session for the request window, runs it
// through the Advisor Chain, and appends the resulting assistant message
// to the session before returning it.
//
// The provider interface here is channel-based even for a "non-stream"
// call: Chat builds its response by running the Advisor Chain's Stream
// path and draining it through the Stream Assembler, rather than
// requiring a second, call-shaped provider method.
func (a *Agent) Chat(ctx context.Context, text string) (*provider.ChatResponse, error) {
	if text != "" {
		a.Session.AddMessage(provider.Message{Role: "user", Content: text})
	}

	messages, err := a.contextMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	req := &advisor.Request{Messages: messages, Tools: a.providerTools()}
	resp, err := a.Advisors.Call(ctx, req, func(ctx context.Context, req *advisor.Request) (*provider.ChatResponse, error) {
		stream, err := a.Provider.ChatStream(ctx, req.Messages, req.Tools)
		if err != nil {
			return nil, err
		}
		return a.assembler.Collect(stream)
	})
	if err != nil {
		return nil, err
	}

	a.Session.AddMessage(assistantMessage(resp))
	return resp, nil
}

// Stream behaves like Chat but returns the live event channel instead of
// waiting for completion; the caller is responsible for draining it. Only
// the user message is added to the session: Stream does not fold the
// channel and does not append the assistant reply to the session.
func (a *Agent) Stream(ctx context.Context, text string) (<-chan provider.StreamEvent, error) {
	if text != "" {
		a.Session.AddMessage(provider.Message{Role: "user", Content: text})
	}

	messages, err := a.contextMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	req := &advisor.Request{Messages: messages, Tools: a.providerTools()}
	return a.Advisors.Stream(ctx, req, func(ctx context.Context, req *advisor.Request) (<-chan provider.StreamEvent, error) {
		return a.Provider.ChatStream(ctx, req.Messages, req.Tools)
	})
}

func assistantMessage(resp *provider.ChatResponse) provider.Message {
	return provider.Message{
		Role:         "assistant",
		Content:      resp.Content,
		Reasoning:    resp.Reasoning,
		ToolCalls:    resp.ToolCalls,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
}
