package contextmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/tokenizer"
)

func manyMessages(n int) []provider.Message {
	msgs := make([]provider.Message, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, provider.Message{Role: role, Content: "message body text here"})
	}
	return msgs
}

func TestManage_NilConfigReturnsUnchanged(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(20)
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", nil, 1000, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(msgs) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(msgs))
	}
}

func TestManage_UnknownStrategyReturnsError(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(5)
	cfg := &StrategyConfig{Type: "bogus"}
	_, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1000, "", nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestManage_SlidingWindow_UnderSizeNoOp(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(5)
	cfg := &StrategyConfig{Type: StrategySlidingWindow, SlidingWindowSize: 10}
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1000, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("len(out) = %d, want 5", len(out))
	}
}

func TestManage_SlidingWindow_TruncatesAndReinsertsInitialQuestion(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(20)
	msgs[0] = provider.Message{Role: "user", Content: "what is the meaning of this codebase"}
	cfg := &StrategyConfig{Type: StrategySlidingWindow, SlidingWindowSize: 10}
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1000, msgs[0].Content, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 11 {
		t.Fatalf("len(out) = %d, want 11 (1 injected + 10 window)", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "[User's initial question] "+msgs[0].Content {
		t.Fatalf("out[0] = %+v, want injected initial-question system message", out[0])
	}
}

func TestManage_SlidingWindow_QuestionAlreadyInWindowNotDuplicated(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(10)
	question := "already in the window"
	msgs[9] = provider.Message{Role: "user", Content: question}
	cfg := &StrategyConfig{Type: StrategySlidingWindow, SlidingWindowSize: 10}
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1000, question, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10 messages in, 10 out: len(msgs)==windowSize, so shouldCompress is false (len > size required)
	if len(out) != 10 {
		t.Fatalf("len(out) = %d, want 10 (no compression triggered)", len(out))
	}
}

type fakeSummarizer struct {
	content string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, model string, prompt string) (string, error) {
	f.calls++
	return f.content, f.err
}

func TestManage_Summary_BelowThresholdNoOp(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(5)
	cfg := &StrategyConfig{Type: StrategySummary, SummaryThreshold: 0.8, SummaryKeepRecent: 10}
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1_000_000, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("len(out) = %d, want 5", len(out))
	}
}

func TestManage_Summary_AboveThresholdCompresses(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(30)
	cfg := &StrategyConfig{Type: StrategySummary, SummaryThreshold: 0.0, SummaryKeepRecent: 5}
	summarizer := &fakeSummarizer{content: "recap of the earlier discussion"}
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1000, "", summarizer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summarizer.calls != 1 {
		t.Fatalf("summarizer.calls = %d, want 1", summarizer.calls)
	}
	if len(out) != 6 {
		t.Fatalf("len(out) = %d, want 6 (1 summary + 5 recent)", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "[Conversation summary] recap of the earlier discussion" {
		t.Fatalf("out[0] = %+v, want summary system message", out[0])
	}
}

func TestManage_Summary_NoSummarizerFallsBackUncompressed(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(30)
	cfg := &StrategyConfig{Type: StrategySummary, SummaryThreshold: 0.0, SummaryKeepRecent: 5}
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1000, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(msgs) {
		t.Fatalf("len(out) = %d, want %d (no-op fallback)", len(out), len(msgs))
	}
}

func TestManage_Summary_SummarizerErrorFallsBackUncompressed(t *testing.T) {
	tok := tokenizer.New()
	msgs := manyMessages(30)
	cfg := &StrategyConfig{Type: StrategySummary, SummaryThreshold: 0.0, SummaryKeepRecent: 5}
	summarizer := &fakeSummarizer{err: errors.New("upstream unavailable")}
	out, err := Manage(context.Background(), tok, msgs, "gpt-4o", cfg, 1000, "", summarizer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(msgs) {
		t.Fatalf("len(out) = %d, want %d (fallback on summarizer error)", len(out), len(msgs))
	}
}
