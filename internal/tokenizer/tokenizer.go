// Package tokenizer estimates per-message token counts for context-window
// bookkeeping. It is not a bit-exact reproduction of any specific provider's
// tokenizer — see the encoder doc comment for why no third-party encoder is
// used here.
package tokenizer

import (
	"sync"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

// FramingTokensPerMessage is the per-message overhead added on top of the
// content token count, matching the hardcoded constant in the tokenizer
// this component is grounded on. A provider-specific override is exposed
// via SetFramingOverhead for callers whose model entry configures one
// (see SPEC_FULL.md §4.3's resolution of the Open Question on this
// constant's exactness).
const FramingTokensPerMessage = 4

// Tokenizer counts tokens per message and message list using a cached,
// per-model BPE-style encoder.
type Tokenizer struct {
	mu               sync.Mutex
	encodingForModel map[string]string // model name -> encoding name
	encoders         map[string]*Encoder
	framingOverhead  map[string]int // model name -> override, if any
}

// New returns a Tokenizer with the default encoding mapping.
func New() *Tokenizer {
	return &Tokenizer{
		encodingForModel: defaultModelEncodings(),
		encoders:         make(map[string]*Encoder),
		framingOverhead:  make(map[string]int),
	}
}

// SetFramingOverhead overrides the per-message framing token cost for model.
func (t *Tokenizer) SetFramingOverhead(model string, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.framingOverhead[model] = tokens
}

func (t *Tokenizer) framingFor(model string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.framingOverhead[model]; ok {
		return v
	}
	return FramingTokensPerMessage
}

// encoderFor resolves and caches the Encoder for model, falling back to the
// default encoding for unrecognized model names.
func (t *Tokenizer) encoderFor(model string) *Encoder {
	t.mu.Lock()
	defer t.mu.Unlock()

	encodingName, ok := t.encodingForModel[model]
	if !ok {
		encodingName = DefaultEncodingName
	}
	if enc, ok := t.encoders[encodingName]; ok {
		return enc
	}
	enc := NewEncoder(encodingName)
	t.encoders[encodingName] = enc
	return enc
}

// CountMessage returns the estimated token count of a single message,
// including its role, content, tool calls, and tool_call_id.
func (t *Tokenizer) CountMessage(model string, msg provider.Message) int {
	enc := t.encoderFor(model)
	count := enc.Count(msg.Role) + enc.Count(msg.Content) + enc.Count(msg.ToolCallID)
	for _, tc := range msg.ToolCalls {
		count += enc.Count(tc.Name) + enc.Count(string(tc.Arguments))
	}
	return count
}

// CountMessages returns the sum of CountMessage over messages plus the
// per-message framing overhead for model.
func (t *Tokenizer) CountMessages(model string, messages []provider.Message) int {
	framing := t.framingFor(model)
	total := 0
	for _, m := range messages {
		total += t.CountMessage(model, m) + framing
	}
	return total
}

func defaultModelEncodings() map[string]string {
	return map[string]string{
		"gpt-4":             "cl100k-like",
		"gpt-4o":            "cl100k-like",
		"gpt-4o-mini":       "cl100k-like",
		"gpt-3.5-turbo":     "cl100k-like",
		"claude-3-5-sonnet": "cl100k-like",
		"claude-3-7-sonnet": "cl100k-like",
	}
}
