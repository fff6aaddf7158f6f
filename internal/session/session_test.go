package session

import (
	"context"
	"testing"

	"github.com/wangchen7722/eflycode-cli/internal/contextmanager"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/store"
	"github.com/wangchen7722/eflycode-cli/internal/tokenizer"
)

type fakeStore struct {
	created  []string
	saved    map[string][]store.SessionMessage
	loadErr  error
	toReturn []store.SessionMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]store.SessionMessage)}
}

func (f *fakeStore) CreateSession(id string) error {
	f.created = append(f.created, id)
	return nil
}

func (f *fakeStore) SaveMessage(sessionID string, msg store.SessionMessage) {
	f.saved[sessionID] = append(f.saved[sessionID], msg)
}

func (f *fakeStore) LoadMessages(sessionID string) ([]store.SessionMessage, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.toReturn, nil
}

func TestSession_AddMessage_MemoizesInitialUserQuestion(t *testing.T) {
	s := New()
	s.AddMessage(provider.Message{Role: "system", Content: "setup"})
	s.AddMessage(provider.Message{Role: "user", Content: "what is 2+2?"})
	s.AddMessage(provider.Message{Role: "user", Content: "follow up"})

	if got := s.InitialUserQuestion(); got != "what is 2+2?" {
		t.Fatalf("InitialUserQuestion() = %q, want first user message", got)
	}
	if len(s.GetMessages()) != 3 {
		t.Fatalf("len(GetMessages()) = %d, want 3", len(s.GetMessages()))
	}
}

func TestSession_AppendToLastToolMessage_MutatesInPlace(t *testing.T) {
	s := New()
	s.AddMessage(provider.Message{Role: "assistant", Content: "", ToolCalls: []provider.ToolCall{{ID: "tc1", Name: "read_file"}}})
	s.AddMessage(provider.Message{Role: "tool", Content: "file contents", ToolCallID: "tc1"})
	s.AddMessage(provider.Message{Role: "user", Content: "The tool produced: file contents\nPlease continue."})

	if ok := s.AppendToLastToolMessage("\n\n<system-reminder>reminder</system-reminder>"); !ok {
		t.Fatal("AppendToLastToolMessage() = false, want true")
	}

	msgs := s.GetMessages()
	if len(msgs) != 3 {
		t.Fatalf("len(GetMessages()) = %d, want 3 (no new message appended)", len(msgs))
	}
	if msgs[1].Role != "tool" || msgs[1].ToolCallID != "tc1" {
		t.Fatalf("msgs[1] = %+v, want the original tool message untouched except Content", msgs[1])
	}
	want := "file contents\n\n<system-reminder>reminder</system-reminder>"
	if msgs[1].Content != want {
		t.Fatalf("msgs[1].Content = %q, want %q", msgs[1].Content, want)
	}
	if msgs[2].Role != "user" {
		t.Fatalf("msgs[2].Role = %q, want unchanged user message", msgs[2].Role)
	}
}

func TestSession_AppendToLastToolMessage_NoToolMessageReturnsFalse(t *testing.T) {
	s := New()
	s.AddMessage(provider.Message{Role: "user", Content: "hi"})

	if ok := s.AppendToLastToolMessage("reminder"); ok {
		t.Fatal("AppendToLastToolMessage() = true, want false with no tool message in log")
	}
}

func TestSession_Clear_ResetsLogAndMemo(t *testing.T) {
	s := New()
	s.AddMessage(provider.Message{Role: "user", Content: "hi"})
	s.Clear()

	if len(s.GetMessages()) != 0 {
		t.Fatalf("GetMessages() not cleared")
	}
	if s.InitialUserQuestion() != "" {
		t.Fatalf("InitialUserQuestion() not cleared")
	}
}

func TestSession_AddMessage_MirrorsToStore(t *testing.T) {
	fs := newFakeStore()
	s := New(WithStore(fs))
	s.AddMessage(provider.Message{Role: "user", Content: "hello"})

	if len(fs.created) != 1 {
		t.Fatalf("CreateSession called %d times, want 1", len(fs.created))
	}
	if got := fs.saved[s.ID()]; len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("saved messages = %+v", got)
	}
}

func TestSession_Restore_LoadsFromStoreAndRecomputesMemo(t *testing.T) {
	fs := newFakeStore()
	fs.toReturn = []store.SessionMessage{
		{Role: "system", Content: "setup"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "answer"},
	}
	s := New(WithStore(fs))
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(s.GetMessages()) != 3 {
		t.Fatalf("len(GetMessages()) = %d, want 3", len(s.GetMessages()))
	}
	if got := s.InitialUserQuestion(); got != "first question" {
		t.Fatalf("InitialUserQuestion() = %q", got)
	}
}

func TestSession_GetContext_NoStrategyReturnsAllMessages(t *testing.T) {
	s := New()
	s.AddMessage(provider.Message{Role: "user", Content: "hi"})
	s.AddMessage(provider.Message{Role: "assistant", Content: "hello"})

	got, err := s.GetContext(context.Background(), tokenizer.New(), "gpt-4o", 100000, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestSession_GetContext_AppliesSlidingWindowStrategy(t *testing.T) {
	s := New(WithStrategy(&contextmanager.StrategyConfig{
		Type:              contextmanager.StrategySlidingWindow,
		SlidingWindowSize: 2,
	}))
	s.AddMessage(provider.Message{Role: "user", Content: "initial question"})
	s.AddMessage(provider.Message{Role: "assistant", Content: "reply one"})
	s.AddMessage(provider.Message{Role: "user", Content: "followup"})
	s.AddMessage(provider.Message{Role: "assistant", Content: "reply two"})

	got, err := s.GetContext(context.Background(), tokenizer.New(), "gpt-4o", 100000, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3 (2 kept + reinjected initial question)", len(got))
	}
	if got[0].Content != "[User's initial question] initial question" {
		t.Fatalf("got[0] = %+v, want reinjected initial question", got[0])
	}
}
