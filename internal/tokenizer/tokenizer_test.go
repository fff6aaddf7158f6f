package tokenizer

import (
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/provider"
)

func TestCountMessage_IncludesRoleAndContent(t *testing.T) {
	tok := New()
	n := tok.CountMessage("gpt-4o", provider.Message{Role: "user", Content: "hello there"})
	if n <= 0 {
		t.Fatalf("expected positive token count, got %d", n)
	}
}

func TestCountMessage_LongerContentCountsMore(t *testing.T) {
	tok := New()
	short := tok.CountMessage("gpt-4o", provider.Message{Role: "user", Content: "hi"})
	long := tok.CountMessage("gpt-4o", provider.Message{Role: "user", Content: "hi there, this is a much longer message with many more words in it"})
	if long <= short {
		t.Fatalf("expected longer content to count more tokens: short=%d long=%d", short, long)
	}
}

func TestCountMessage_ToolCallsCounted(t *testing.T) {
	tok := New()
	base := tok.CountMessage("gpt-4o", provider.Message{Role: "assistant"})
	withCall := tok.CountMessage("gpt-4o", provider.Message{
		Role: "assistant",
		ToolCalls: []provider.ToolCall{
			{ID: "1", Name: "read_file", Arguments: []byte(`{"path":"main.go"}`)},
		},
	})
	if withCall <= base {
		t.Fatalf("expected tool call to add tokens: base=%d withCall=%d", base, withCall)
	}
}

func TestCountMessages_AddsFramingOverheadPerMessage(t *testing.T) {
	tok := New()
	messages := []provider.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	total := tok.CountMessages("gpt-4o", messages)
	expectMin := tok.CountMessage("gpt-4o", messages[0]) + tok.CountMessage("gpt-4o", messages[1]) + 2*FramingTokensPerMessage
	if total != expectMin {
		t.Fatalf("total = %d, want %d", total, expectMin)
	}
}

func TestSetFramingOverhead_OverridesDefault(t *testing.T) {
	tok := New()
	tok.SetFramingOverhead("custom-model", 10)
	messages := []provider.Message{{Role: "user", Content: "hi"}}
	total := tok.CountMessages("custom-model", messages)
	expect := tok.CountMessage("custom-model", messages[0]) + 10
	if total != expect {
		t.Fatalf("total = %d, want %d", total, expect)
	}
}

func TestEncoder_UnknownModelFallsBackToDefault(t *testing.T) {
	tok := New()
	n := tok.CountMessage("some-unrecognized-model", provider.Message{Role: "user", Content: "test"})
	if n <= 0 {
		t.Fatalf("expected positive count for fallback encoding, got %d", n)
	}
}

func TestCount_EmptyStringIsZero(t *testing.T) {
	enc := NewEncoder(DefaultEncodingName)
	if got := enc.Count(""); got != 0 {
		t.Fatalf("Count(\"\") = %d, want 0", got)
	}
}
