// Package subagent constructs an isolated Agent+RunLoop pair at depth+1,
// sharing the parent's provider and tool implementations but running its
// own scratchpad-free turn to completion.
package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/wangchen7722/eflycode-cli/internal/advisor"
	"github.com/wangchen7722/eflycode-cli/internal/agent"
	"github.com/wangchen7722/eflycode-cli/internal/contextmanager"
	"github.com/wangchen7722/eflycode-cli/internal/hooks"
	"github.com/wangchen7722/eflycode-cli/internal/llm"
	"github.com/wangchen7722/eflycode-cli/internal/mcp"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/session"
	"github.com/wangchen7722/eflycode-cli/internal/tokenizer"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20
)

// Options configures a sub-agent run.
type Options struct {
	Provider      provider.Provider
	Proxy         *mcp.Proxy
	Tools         []mcp.Tool
	Prompt        string
	MaxIterations int

	// Hooks, when non-nil, runs the parent's configured hook pipeline
	// around the sub-agent's own model/tool calls, scoped to the
	// sub-agent's own session ID.
	Hooks *hooks.Pipeline

	// ContextStrategy, when non-nil, compresses the sub-agent's message
	// history the same way the parent's Run Loop does. MaxContextLength
	// and Summarizer are ignored when ContextStrategy is nil.
	ContextStrategy  *contextmanager.StrategyConfig
	MaxContextLength int
	Summarizer       contextmanager.Summarizer
}

// Result reports a sub-agent run outcome.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Run executes a sub-agent turn and returns the final assistant content.
// It builds a fresh, in-memory Session and a RunLoop capped at
// opts.MaxIterations (or MaxSubAgentIterations), mirroring the parent's
// provider and tool proxy but isolated from the parent's message history
// and scratchpad.
func Run(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sub-agent cancelled: %v", err)
	}
	if opts.Provider == nil {
		return Result{}, fmt.Errorf("provider is required")
	}
	if opts.Proxy == nil {
		return Result{}, fmt.Errorf("proxy is required")
	}
	if opts.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	maxIter := MaxSubAgentIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("max_iterations too large (max: %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	sessOpts := []session.Option{}
	if opts.ContextStrategy != nil {
		sessOpts = append(sessOpts, session.WithStrategy(opts.ContextStrategy))
	}
	sess := session.New(sessOpts...)
	sess.AddMessage(provider.Message{Role: "system", Content: SystemPrompt()})

	a := agent.New(agent.Agent{
		Model:            "",
		Provider:         opts.Provider,
		Session:          sess,
		Tools:            FilterTools(opts.Tools),
		Advisors:         advisor.NewChain(advisor.NewFinishTaskAdvisor()),
		Tokenizer:        tokenizer.New(),
		MaxContextLength: opts.MaxContextLength,
		Summarizer:       opts.Summarizer,
	})

	loop := &agent.RunLoop{
		Agent:         a,
		Proxy:         opts.Proxy,
		Hooks:         opts.Hooks,
		MaxIterations: maxIter,
	}

	conv, err := loop.Run(ctx, opts.Prompt)
	if err != nil {
		return Result{}, fmt.Errorf("sub-agent failed: %v", err)
	}

	var finalContent string
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == "assistant" && conv.Messages[i].Content != "" {
			finalContent = conv.Messages[i].Content
			break
		}
	}
	if finalContent == "" {
		return Result{}, fmt.Errorf("sub-agent produced no final response")
	}

	return Result{
		Content:      finalContent,
		InputTokens:  conv.Stats.PromptTokens,
		OutputTokens: conv.Stats.CompletionTokens,
	}, nil
}

// FilterTools removes the SubAgent tool from a tool list, so a sub-agent
// cannot itself spawn further sub-agents (MaxSubAgentDepth = 1).
func FilterTools(tools []mcp.Tool) []mcp.Tool {
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name != "SubAgent" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// SystemPrompt returns the system prompt for sub-agents.
func SystemPrompt() string {
	parts := []string{
		llm.SubAgentBasePrompt(),
		llm.SubAgentPrompt(),
	}
	if instructions := llm.LoadAgentInstructions(); instructions != "" {
		parts = append(parts, instructions)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n---\n\n"))
}
