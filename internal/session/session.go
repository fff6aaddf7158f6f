// Package session holds one conversation's in-memory message log and
// optionally mirrors it to a persistence collaborator.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wangchen7722/eflycode-cli/internal/contextmanager"
	"github.com/wangchen7722/eflycode-cli/internal/provider"
	"github.com/wangchen7722/eflycode-cli/internal/store"
	"github.com/wangchen7722/eflycode-cli/internal/tokenizer"
)

// Store is the persistence collaborator a Session mirrors writes to.
// *store.Cache satisfies this; a nil Store (or nil *Session.persist) means
// the session lives in memory only, matching the non-goal that a Session
// itself does not own persistence.
type Store interface {
	CreateSession(id string) error
	SaveMessage(sessionID string, msg store.SessionMessage)
	LoadMessages(sessionID string) ([]store.SessionMessage, error)
}

// Session is an append-only message log for one conversation. It is safe
// for concurrent use.
type Session struct {
	mu       sync.RWMutex
	id       string
	messages []provider.Message

	// initialUserQuestion is set once, from the first user message ever
	// added, and never overwritten. Sliding-window compression reinjects
	// it if it falls out of the kept window.
	initialUserQuestion string

	strategy *contextmanager.StrategyConfig
	persist  Store
}

// Option configures a new Session.
type Option func(*Session)

// WithStrategy attaches a context-compression strategy, used by GetContext.
func WithStrategy(cfg *contextmanager.StrategyConfig) Option {
	return func(s *Session) { s.strategy = cfg }
}

// WithStore attaches a persistence collaborator. Every AddMessage call is
// mirrored to it; nothing is read back except via Restore.
func WithStore(st Store) Option {
	return func(s *Session) { s.persist = st }
}

// New creates a Session with a fresh ID, applying opts.
func New(opts ...Option) *Session {
	s := &Session{id: uuid.NewString()}
	for _, opt := range opts {
		opt(s)
	}
	if s.persist != nil {
		if err := s.persist.CreateSession(s.id); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("failed to create persisted session")
		}
	}
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// AddMessage appends msg to the log, memoizes the initial user question on
// first sight, and mirrors the message to the attached Store, if any.
func (s *Session) AddMessage(msg provider.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	if s.initialUserQuestion == "" && msg.Role == "user" && msg.Content != "" {
		s.initialUserQuestion = msg.Content
	}
	persist := s.persist
	id := s.id
	s.mu.Unlock()

	if persist == nil {
		return
	}
	persist.SaveMessage(id, toStoreMessage(msg))
}

// AppendToLastToolMessage appends text to the most recent tool-role
// message's Content, scanning backward from the end of the log, and
// reports whether one was found. Mutating the existing message instead of
// appending a new one keeps every tool message immediately followed by
// its original assistant call with no intervening gap.
func (s *Session) AppendToLastToolMessage(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == "tool" {
			s.messages[i].Content += text
			return true
		}
	}
	return false
}

// GetMessages returns a copy of the session's message log.
func (s *Session) GetMessages() []provider.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]provider.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// InitialUserQuestion returns the content of the first user message added
// to this session, or "" if none has been added yet.
func (s *Session) InitialUserQuestion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialUserQuestion
}

// Clear empties the message log in memory. It does not touch the attached
// Store; callers that need the persisted history gone must do that
// themselves.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.initialUserQuestion = ""
}

// Restore replaces the in-memory log with messages loaded from the
// attached Store, for resuming a prior session. It is a no-op if no Store
// is attached.
func (s *Session) Restore(ctx context.Context) error {
	s.mu.Lock()
	persist := s.persist
	id := s.id
	s.mu.Unlock()
	if persist == nil {
		return nil
	}

	loaded, err := persist.LoadMessages(id)
	if err != nil {
		return err
	}

	msgs := make([]provider.Message, 0, len(loaded))
	var initial string
	for _, m := range loaded {
		msg := provider.Message{
			Role:       m.Role,
			Content:    m.Content,
			Reasoning:  m.Reasoning,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 && string(m.ToolCalls) != "[]" {
			_ = json.Unmarshal(m.ToolCalls, &msg.ToolCalls)
		}
		if initial == "" && msg.Role == "user" && msg.Content != "" {
			initial = msg.Content
		}
		msgs = append(msgs, msg)
	}

	s.mu.Lock()
	s.messages = msgs
	s.initialUserQuestion = initial
	s.mu.Unlock()
	return nil
}

// GetContext returns the message window to send to the model, running it
// through the attached compression strategy (if any) via
// contextmanager.Manage. With no strategy attached, it behaves like
// GetMessages.
func (s *Session) GetContext(ctx context.Context, tok *tokenizer.Tokenizer, model string, maxContextLength int, summarizer contextmanager.Summarizer) ([]provider.Message, error) {
	s.mu.RLock()
	messages := make([]provider.Message, len(s.messages))
	copy(messages, s.messages)
	strategy := s.strategy
	initial := s.initialUserQuestion
	s.mu.RUnlock()

	return contextmanager.Manage(ctx, tok, messages, model, strategy, maxContextLength, initial, summarizer)
}

func toStoreMessage(msg provider.Message) store.SessionMessage {
	sm := store.SessionMessage{
		Role:         msg.Role,
		Content:      msg.Content,
		Reasoning:    msg.Reasoning,
		ToolCallID:   msg.ToolCallID,
		CreatedAt:    time.Now(),
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
	}
	if len(msg.ToolCalls) > 0 {
		if b, err := json.Marshal(msg.ToolCalls); err == nil {
			sm.ToolCalls = b
		}
	}
	return sm
}
