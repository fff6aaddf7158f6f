package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wangchen7722/eflycode-cli/internal/contextmanager"
	"github.com/wangchen7722/eflycode-cli/internal/delta"
	"github.com/wangchen7722/eflycode-cli/internal/hooks"
	"github.com/wangchen7722/eflycode-cli/internal/lsp"
	"github.com/wangchen7722/eflycode-cli/internal/mcp"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/shell"
	"github.com/wangchen7722/eflycode-cli/internal/store"
	"github.com/wangchen7722/eflycode-cli/internal/subagent"
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewSubAgentTool creates the SubAgent tool definition.
func NewSubAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "SubAgent",
		Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// SubAgentHandler handles SubAgent tool calls.
type SubAgentHandler struct {
	provider         provider.Provider
	lspManager       *lsp.Manager
	deltaTracker     *delta.Tracker
	sh               *shell.Shell
	webCache         *store.Cache
	exaKey           string
	allTools         []mcp.Tool
	hooks            *hooks.Pipeline
	contextStrategy  *contextmanager.StrategyConfig
	maxContextLength int
}

// NewSubAgentHandler creates a handler for the SubAgent tool. hookPipeline
// and contextStrategy may be nil, in which case sub-agents run without
// hook dispatch / context compression, matching the parent's own
// behavior when those are left unconfigured.
func NewSubAgentHandler(
	prov provider.Provider,
	lspManager *lsp.Manager,
	deltaTracker *delta.Tracker,
	sh *shell.Shell,
	webCache *store.Cache,
	exaKey string,
	allTools []mcp.Tool,
	hookPipeline *hooks.Pipeline,
	contextStrategy *contextmanager.StrategyConfig,
	maxContextLength int,
) *SubAgentHandler {
	// Validate required dependencies
	if prov == nil {
		panic("SubAgentHandler: provider cannot be nil")
	}
	if sh == nil {
		panic("SubAgentHandler: shell cannot be nil")
	}
	// lspManager, deltaTracker, webCache, hookPipeline, contextStrategy can be nil

	return &SubAgentHandler{
		provider:         prov,
		lspManager:       lspManager,
		deltaTracker:     deltaTracker,
		sh:               sh,
		webCache:         webCache,
		exaKey:           exaKey,
		allTools:         allTools,
		hooks:            hookPipeline,
		contextStrategy:  contextStrategy,
		maxContextLength: maxContextLength,
	}
}

// Handle implements the mcp.ToolHandler interface.
func (h *SubAgentHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	// Check if context is already cancelled
	if err := ctx.Err(); err != nil {
		return toolError("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return toolError("prompt is required"), nil
	}

	// Create isolated FileReadTracker for sub-agent
	subTracker := NewFileReadTracker()

	// Create fresh handlers with isolated tracker
	subReadHandler := NewReadHandler(subTracker, h.lspManager)
	subEditHandler := NewEditHandler(subTracker, h.lspManager, h.deltaTracker)
	subShellHandler := NewShellHandler(h.sh, h.deltaTracker)

	// Create proxy with sub-agent tools (filtered - no nested SubAgent)
	subProxy := mcp.NewProxy(nil)
	filteredTools := filterSubAgentTool(h.allTools)

	// Register tools with sub-agent proxy
	for _, tool := range filteredTools {
		switch tool.Name {
		case "Read":
			subProxy.RegisterTool(tool, subReadHandler.Handle)
		case "Edit":
			subProxy.RegisterTool(tool, subEditHandler.Handle)
		case "Shell":
			subProxy.RegisterTool(tool, subShellHandler.Handle)
		case "Grep":
			subProxy.RegisterTool(tool, MakeGrepHandler())
		case "TodoWrite":
			// Sub-agents get their own scratchpad
			subPad := &Scratchpad{}
			subProxy.RegisterTool(tool, MakeTodoWriteHandler(subPad))
		case "WebFetch":
			subProxy.RegisterTool(tool, MakeWebFetchHandler(h.webCache))
		case "WebSearch":
			subProxy.RegisterTool(tool, MakeWebSearchHandler(h.webCache, h.exaKey, ""))
		}
	}

	// Run sub-agent turn via the shared RunLoop-backed helper, isolated to
	// this call's subProxy and filtered tool list.
	res, err := subagent.Run(ctx, subagent.Options{
		Provider:         h.provider,
		Proxy:            subProxy,
		Tools:            filteredTools,
		Prompt:           args.Prompt,
		MaxIterations:    args.MaxIterations,
		Hooks:            h.hooks,
		ContextStrategy:  h.contextStrategy,
		MaxContextLength: h.maxContextLength,
	})
	if err != nil {
		return toolError("%v", err), nil
	}

	result := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		res.Content, res.InputTokens, res.OutputTokens)

	return toolText(result), nil
}

// filterSubAgentTool removes the SubAgent tool from a tool list so a
// sub-agent cannot spawn further sub-agents.
func filterSubAgentTool(tools []mcp.Tool) []mcp.Tool {
	return subagent.FilterTools(tools)
}
