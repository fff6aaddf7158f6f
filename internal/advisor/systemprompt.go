package advisor

import (
	"context"

	"github.com/wangchen7722/eflycode-cli/internal/llm"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/treesitter"
)

// SystemPromptAdvisor prepends the rendered system prompt to a request's
// messages, unless the caller already put a system message first. The
// prompt is rendered fresh on every call so AGENTS.md edits and the
// tree-sitter project outline stay current without restarting the agent.
type SystemPromptAdvisor struct {
	EmbeddableAdvisor
	ModelID string
	Index   *treesitter.Index // optional; nil skips the project outline section
}

// NewSystemPromptAdvisor returns a SystemPromptAdvisor for modelID. index
// may be nil.
func NewSystemPromptAdvisor(modelID string, index *treesitter.Index) *SystemPromptAdvisor {
	return &SystemPromptAdvisor{ModelID: modelID, Index: index}
}

func (a *SystemPromptAdvisor) BeforeCall(ctx context.Context, req *Request) error {
	a.inject(req)
	return nil
}

func (a *SystemPromptAdvisor) BeforeStream(ctx context.Context, req *Request) error {
	a.inject(req)
	return nil
}

func (a *SystemPromptAdvisor) inject(req *Request) {
	if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
		return
	}
	prompt := llm.BuildSystemPrompt(a.ModelID, a.Index)
	systemMessage := provider.Message{Role: "system", Content: prompt}
	req.Messages = append([]provider.Message{systemMessage}, req.Messages...)
}
