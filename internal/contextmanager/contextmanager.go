// Package contextmanager compresses a message history when it threatens to
// exceed a model's context window, using a pluggable compression strategy.
package contextmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/tokenizer"
)

// ErrUnknownStrategy is returned by Manage when StrategyConfig.Type names a
// strategy this package does not implement.
var ErrUnknownStrategy = errors.New("contextmanager: unknown strategy type")

// StrategyType selects which compression algorithm Manage applies.
type StrategyType string

const (
	StrategySummary       StrategyType = "summary"
	StrategySlidingWindow StrategyType = "sliding_window"
)

// StrategyConfig configures whichever strategy Type selects. Fields not
// relevant to the selected strategy are ignored.
type StrategyConfig struct {
	Type StrategyType

	// Summary strategy.
	SummaryThreshold  float64 // fraction of max context length that triggers compression
	SummaryKeepRecent int     // number of trailing messages left uncompressed
	SummaryModel      string  // model used for the summarization call; empty means reuse model

	// Sliding window strategy.
	SlidingWindowSize int
}

// Summarizer performs the single-shot completion used to produce a summary
// of the messages a strategy is compressing away. Providers satisfy this
// with a thin adapter so this package never depends on provider wiring.
type Summarizer interface {
	Summarize(ctx context.Context, model string, prompt string) (string, error)
}

// Manage inspects messages and, if the configured strategy decides
// compression is needed, returns a compressed replacement slice. It never
// mutates messages and returns it unchanged when config is nil, messages is
// empty, or the strategy decides compression isn't needed yet.
func Manage(
	ctx context.Context,
	tok *tokenizer.Tokenizer,
	messages []provider.Message,
	model string,
	config *StrategyConfig,
	maxContextLength int,
	initialUserQuestion string,
	summarizer Summarizer,
) ([]provider.Message, error) {
	if len(messages) == 0 || config == nil {
		return messages, nil
	}

	strategy, err := newStrategy(*config)
	if err != nil {
		return nil, err
	}

	if !strategy.shouldCompress(tok, messages, model, maxContextLength) {
		return messages, nil
	}

	return strategy.compress(ctx, tok, messages, model, maxContextLength, initialUserQuestion, summarizer)
}

type strategy interface {
	shouldCompress(tok *tokenizer.Tokenizer, messages []provider.Message, model string, maxContextLength int) bool
	compress(ctx context.Context, tok *tokenizer.Tokenizer, messages []provider.Message, model string, maxContextLength int, initialUserQuestion string, summarizer Summarizer) ([]provider.Message, error)
}

func newStrategy(config StrategyConfig) (strategy, error) {
	switch config.Type {
	case StrategySummary:
		return &summaryStrategy{config: config}, nil
	case StrategySlidingWindow:
		return &slidingWindowStrategy{config: config}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, config.Type)
	}
}

// summaryStrategy keeps the most recent SummaryKeepRecent messages verbatim
// and replaces everything older with a single system message summarizing
// it, once token usage reaches SummaryThreshold of maxContextLength.
type summaryStrategy struct {
	config StrategyConfig
}

func (s *summaryStrategy) shouldCompress(tok *tokenizer.Tokenizer, messages []provider.Message, model string, maxContextLength int) bool {
	if len(messages) == 0 {
		return false
	}
	total := tok.CountMessages(model, messages)
	threshold := int(float64(maxContextLength) * s.config.SummaryThreshold)
	return total >= threshold
}

func (s *summaryStrategy) compress(
	ctx context.Context,
	tok *tokenizer.Tokenizer,
	messages []provider.Message,
	model string,
	maxContextLength int,
	initialUserQuestion string,
	summarizer Summarizer,
) ([]provider.Message, error) {
	keepRecent := s.config.SummaryKeepRecent
	if keepRecent <= 0 {
		keepRecent = 10
	}
	if len(messages) <= keepRecent {
		return messages, nil
	}

	recent := messages[len(messages)-keepRecent:]
	old := messages[:len(messages)-keepRecent]

	if summarizer == nil {
		return messages, nil
	}

	summaryModel := s.config.SummaryModel
	if summaryModel == "" {
		summaryModel = model
	}

	prompt := buildSummaryPrompt(old)

	content, err := summarizer.Summarize(ctx, summaryModel, prompt)
	if err != nil {
		log.Warn().Err(err).Str("model", summaryModel).Msg("context summary call failed, falling back to uncompressed messages")
		return messages, nil
	}

	compressed := make([]provider.Message, 0, 1+len(recent))
	compressed = append(compressed, provider.Message{
		Role:    "system",
		Content: "[Conversation summary] " + content,
	})
	compressed = append(compressed, recent...)
	return compressed, nil
}

var roleLabels = map[string]string{
	"user":      "User",
	"assistant": "Assistant",
	"system":    "System",
	"tool":      "Tool",
}

func buildSummaryPrompt(messages []provider.Message) string {
	text := formatMessagesForSummary(messages)
	return "Summarize the following conversation history, preserving key information and context " +
		"so a later conversation can understand it:\n\n" + text +
		"\n\nSummarize concisely, including:\n" +
		"1. The user's main questions and requirements\n" +
		"2. Important discussion points and decisions\n" +
		"3. Context that must be preserved\n\nSummary:"
}

func formatMessagesForSummary(messages []provider.Message) string {
	out := ""
	for i, msg := range messages {
		label, ok := roleLabels[msg.Role]
		if !ok {
			label = msg.Role
		}
		content := msg.Content
		if len(msg.ToolCalls) > 0 {
			names := ""
			for j, tc := range msg.ToolCalls {
				if j > 0 {
					names += ", "
				}
				names += tc.Name
			}
			content += fmt.Sprintf(" [called tools: %s]", names)
		}
		if i > 0 {
			out += "\n"
		}
		out += label + ": " + content
	}
	return out
}

// slidingWindowStrategy keeps only the most recent SlidingWindowSize
// messages, reinserting the user's initial question as a leading system
// message if the window would otherwise drop it.
type slidingWindowStrategy struct {
	config StrategyConfig
}

func (s *slidingWindowStrategy) shouldCompress(tok *tokenizer.Tokenizer, messages []provider.Message, model string, maxContextLength int) bool {
	return len(messages) > s.config.SlidingWindowSize
}

func (s *slidingWindowStrategy) compress(
	ctx context.Context,
	tok *tokenizer.Tokenizer,
	messages []provider.Message,
	model string,
	maxContextLength int,
	initialUserQuestion string,
	summarizer Summarizer,
) ([]provider.Message, error) {
	windowSize := s.config.SlidingWindowSize
	if len(messages) <= windowSize {
		return messages, nil
	}

	recent := messages[len(messages)-windowSize:]

	hasInitialQuestion := false
	if initialUserQuestion != "" {
		for _, msg := range recent {
			if msg.Role == "user" && msg.Content == initialUserQuestion {
				hasInitialQuestion = true
				break
			}
		}
	}

	if initialUserQuestion != "" && !hasInitialQuestion {
		compressed := make([]provider.Message, 0, 1+len(recent))
		compressed = append(compressed, provider.Message{
			Role:    "system",
			Content: "[User's initial question] " + initialUserQuestion,
		})
		compressed = append(compressed, recent...)
		return compressed, nil
	}

	return recent, nil
}
