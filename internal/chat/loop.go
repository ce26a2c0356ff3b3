// Package chat runs conversations: it sends user turns through the
// completion engine, executes the tool calls the model asks for against
// connected MCP servers, and feeds the results into the next turn.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/history"
	"github.com/nugget/mcpdesk/internal/llm"
	"github.com/nugget/mcpdesk/internal/mcp"
)

var (
	// ErrUnknownSession is returned for a session id the loop does not
	// hold and the store cannot load.
	ErrUnknownSession = errors.New("unknown chat session")
	// ErrUnknownProvider is returned when a named provider is not
	// configured.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Features is the part of the client registry the loop calls into.
type Features interface {
	Features() []mcp.FeatureDescriptor
	Invoke(ctx context.Context, name string, params json.RawMessage) (any, error)
}

// Store persists conversations.
type Store interface {
	Save(ctx context.Context, rec history.Record) error
	Get(ctx context.Context, id string) (*history.Record, error)
}

// Config wires a Loop.
type Config struct {
	Engine   *llm.Engine
	Features Features
	// Store is optional; without it conversations live in memory only.
	Store Store

	Providers       []llm.Provider
	DefaultProvider string
	// SystemPrompt is used when the provider does not set its own.
	SystemPrompt string

	Bus    *events.Bus
	Logger *slog.Logger
}

// Session is a snapshot of one conversation.
type Session struct {
	ID       string        `json:"id"`
	Provider string        `json:"provider,omitempty"`
	Messages []llm.Message `json:"messages"`
}

type session struct {
	id       string
	provider string
	conv     *llm.Conversation
}

// Loop owns the live conversations and drives inference cycles.
type Loop struct {
	engine       *llm.Engine
	gens         *llm.Generations
	features     Features
	store        Store
	providers    map[string]llm.Provider
	defaultName  string
	systemPrompt string
	bus          *events.Bus
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Loop. The first provider is the default unless
// cfg.DefaultProvider names another.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		engine:       cfg.Engine,
		gens:         cfg.Engine.Generations(),
		features:     cfg.Features,
		store:        cfg.Store,
		providers:    make(map[string]llm.Provider, len(cfg.Providers)),
		defaultName:  cfg.DefaultProvider,
		systemPrompt: cfg.SystemPrompt,
		bus:          cfg.Bus,
		logger:       logger.With("component", "chat"),
		now:          time.Now,
		sessions:     make(map[string]*session),
	}
	for _, p := range cfg.Providers {
		l.providers[p.Name] = p
		if l.defaultName == "" {
			l.defaultName = p.Name
		}
	}
	return l
}

// Provider returns the named provider, or the default for "".
func (l *Loop) Provider(name string) (llm.Provider, error) {
	if name == "" {
		name = l.defaultName
	}
	p, ok := l.providers[name]
	if !ok {
		return llm.Provider{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// UserContent builds user message content from text and an optional
// image data URL.
func UserContent(text, imageURL string) llm.Content {
	if imageURL == "" {
		return llm.Text(text)
	}
	return llm.Parts(llm.ImagePart(imageURL), llm.TextPart(text))
}

// Send appends a user message to the conversation id and runs
// inference until the model stops asking for tools. An empty id starts
// a new conversation. It returns the conversation id.
func (l *Loop) Send(ctx context.Context, id string, content llm.Content, provider string) (string, error) {
	if content.String() == "" && !content.HasImage() {
		return id, errors.New("empty message")
	}
	if provider != "" {
		if _, err := l.Provider(provider); err != nil {
			return id, err
		}
	}

	s, err := l.open(ctx, id)
	if err != nil {
		return id, err
	}
	if provider != "" {
		l.mu.Lock()
		s.provider = provider
		l.mu.Unlock()
	}

	msg := llm.Message{Role: llm.RoleUser, Content: content}
	index := s.conv.Append(msg)
	l.bus.Emit(events.SourceChat, events.KindMessage, map[string]any{
		"session_id": s.id,
		"index":      index,
		"message":    msg,
	})
	l.persist(ctx, s)

	return s.id, l.processInference(ctx, s.id)
}

// Resend drops everything after the last user message and runs
// inference again.
func (l *Loop) Resend(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownSession)
	}
	s, err := l.open(ctx, id)
	if err != nil {
		return err
	}

	msgs := s.conv.Messages()
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return errors.New("resend: conversation has no user message")
	}

	l.gens.Delete(id)
	s.conv.Truncate(last + 1)
	l.persist(ctx, s)
	return l.processInference(ctx, id)
}

// Stop ends the live generation of id, if any.
func (l *Loop) Stop(id string) bool {
	return l.gens.Delete(id)
}

// DeleteMessages removes count messages starting at index.
func (l *Loop) DeleteMessages(ctx context.Context, id string, index, count int) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownSession)
	}
	s, err := l.open(ctx, id)
	if err != nil {
		return err
	}
	s.conv.Delete(index, count)
	l.persist(ctx, s)
	return nil
}

// Get returns a snapshot of the conversation id.
func (l *Loop) Get(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("%w: empty id", ErrUnknownSession)
	}
	s, err := l.open(ctx, id)
	if err != nil {
		return Session{}, err
	}
	l.mu.Lock()
	provider := s.provider
	l.mu.Unlock()
	return Session{ID: s.id, Provider: provider, Messages: s.conv.Messages()}, nil
}

// Forget stops id's generation and drops it from memory. Stored copies
// are left to the caller.
func (l *Loop) Forget(id string) {
	l.gens.Delete(id)
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
}

// Generating reports the state of every live generation.
func (l *Loop) Generating() map[string]llm.State {
	return l.gens.Snapshot()
}

// open returns the live session id, loading it from the store when it
// is not in memory. An empty id creates a new session.
func (l *Loop) open(ctx context.Context, id string) (*session, error) {
	if id == "" {
		s := &session{id: history.NewID(l.now()), conv: llm.NewConversation(nil)}
		l.mu.Lock()
		l.sessions[s.id] = s
		l.mu.Unlock()
		l.logger.Info("conversation started", "session_id", s.id)
		return s, nil
	}

	if s, ok := l.lookup(id); ok {
		return s, nil
	}
	if l.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	rec, err := l.store.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[id]; ok {
		return s, nil
	}
	s := &session{id: rec.ID, conv: llm.NewConversation(rec.Messages)}
	l.sessions[id] = s
	return s, nil
}

func (l *Loop) lookup(id string) (*session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	return s, ok
}

// persist saves s unless it was forgotten or replaced while a
// generation was still running.
func (l *Loop) persist(ctx context.Context, s *session) {
	if l.store == nil {
		return
	}
	if cur, ok := l.lookup(s.id); !ok || cur != s {
		l.logger.Debug("skipping save of forgotten conversation", "session_id", s.id)
		return
	}
	// Persist even when the cycle was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := l.store.Save(ctx, history.Record{ID: s.id, Messages: s.conv.Messages()}); err != nil {
		l.logger.Error("failed to save conversation", "session_id", s.id, "error", err)
	}
}

// processInference runs completion cycles for id until the model
// returns without tool calls, the generation is stopped, or a cycle
// fails. One generation handle spans every cycle of the turn, so Stop
// works between cycles too.
func (l *Loop) processInference(ctx context.Context, id string) error {
	token := l.gens.Prepare(id)
	for {
		s, ok := l.lookup(id)
		if !ok {
			l.gens.Release(id, token)
			return nil
		}

		l.mu.Lock()
		providerName := s.provider
		l.mu.Unlock()
		p, err := l.Provider(providerName)
		if err != nil {
			l.gens.Release(id, token)
			l.reportError(id, err)
			return err
		}

		var tools []llm.Tool
		if p.MCP {
			tools = l.ToolDefinitions(ctx)
		}
		systemPrompt := p.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = l.systemPrompt
		}

		if !l.gens.Current(id, token) {
			l.aborted(ctx, s)
			return nil
		}
		outcome, err := l.engine.Run(ctx, llm.RunRequest{
			SessionID:    id,
			Provider:     p,
			Messages:     s.conv.Messages(),
			Target:       s.conv,
			SystemPrompt: systemPrompt,
			Tools:        tools,
			Token:        token,
		})

		switch outcome {
		case llm.OutcomeError:
			l.gens.Release(id, token)
			l.persist(ctx, s)
			l.reportError(id, err)
			return err
		case llm.OutcomeAborted:
			l.gens.Release(id, token)
			l.aborted(ctx, s)
			return nil
		}

		again := l.postToolCall(ctx, id, token)
		l.persist(ctx, s)
		if !again {
			return nil
		}
	}
}

func (l *Loop) aborted(ctx context.Context, s *session) {
	l.persist(ctx, s)
	l.bus.Emit(events.SourceChat, events.KindAborted, map[string]any{"session_id": s.id})
	l.logger.Info("generation aborted", "session_id", s.id)
}

func (l *Loop) reportError(id string, err error) {
	l.logger.Warn("inference failed", "session_id", id, "error", err)
	l.bus.Emit(events.SourceChat, events.KindError, map[string]any{
		"session_id": id,
		"error":      err.Error(),
	})
}

// postToolCall executes the tool calls of the last assistant message
// and appends their results. It reports whether another inference
// cycle should run, in which case the handle owned by token is left
// prepared for it. Otherwise the handle is released.
func (l *Loop) postToolCall(ctx context.Context, id string, token uint64) bool {
	s, ok := l.lookup(id)
	if !ok {
		l.gens.Release(id, token)
		return false
	}
	last, ok := s.conv.Last()
	if !ok || last.Role != llm.RoleAssistant {
		l.gens.Release(id, token)
		return false
	}
	if len(last.ToolCalls) == 0 || last.ToolCalls[0].IsPlaceholder() {
		if last.ToolCalls != nil {
			last.ToolCalls = nil
			s.conv.ReplaceLast(last)
		}
		l.gens.Release(id, token)
		return false
	}

	if !l.gens.SetToolCall(id, token) {
		l.bus.Emit(events.SourceChat, events.KindAborted, map[string]any{"session_id": id})
		return false
	}
	toolCalled := false
	for _, tc := range last.ToolCalls {
		if !l.gens.Current(id, token) {
			break
		}
		result := l.callTool(ctx, tc.Function.Name, tc.Function.Arguments)
		if result == nil || result.Content == nil {
			continue
		}
		toolCalled = true
		if _, ok := l.lookup(id); !ok {
			continue
		}
		for _, msg := range toolResultMessages(result.Content, tc.ID) {
			index := s.conv.Append(msg)
			l.bus.Emit(events.SourceChat, events.KindMessage, map[string]any{
				"session_id": id,
				"index":      index,
				"message":    msg,
			})
		}
	}

	if !l.gens.Current(id, token) {
		l.bus.Emit(events.SourceChat, events.KindAborted, map[string]any{"session_id": id})
		return false
	}
	if _, held := l.lookup(id); toolCalled && held {
		if l.gens.Reprepare(id, token) {
			return true
		}
		l.bus.Emit(events.SourceChat, events.KindAborted, map[string]any{"session_id": id})
		return false
	}
	l.gens.Release(id, token)
	return false
}
