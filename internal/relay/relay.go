// Package relay carries requests that MCP servers send to the host
// (sampling and elicitation) out to the UI and routes the UI's answer
// back. Each request gets a single-use reply channel name; the UI
// resolves it exactly once.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/mcp"
)

// Reply channel prefixes. The full name appends a random UUID.
const (
	SamplingPrefix    = "msgSamplingTransferResult"
	ElicitationPrefix = "msgElicitationTransferResult"
)

// Pending request kinds.
const (
	KindSampling    = "sampling"
	KindElicitation = "elicitation"
)

var (
	// ErrUnknownChannel is returned by Resolve for a channel that was
	// never issued or has already been answered.
	ErrUnknownChannel = errors.New("unknown reply channel")

	// ErrNoListener is returned when a server request arrives while no
	// UI is attached and nothing can answer it automatically.
	ErrNoListener = errors.New("no UI attached to answer server request")

	// ErrRejected is returned to the server when the UI answers null.
	ErrRejected = errors.New("request rejected by user")

	// ErrAbandoned is returned to the server when its session is torn
	// down while a request is pending.
	ErrAbandoned = errors.New("request abandoned")
)

// Pending is a server request waiting for the UI.
type Pending struct {
	Channel string    `json:"channel"`
	Kind    string    `json:"kind"`
	Server  string    `json:"server"`
	Params  any       `json:"params"`
	Created time.Time `json:"created"`
}

// Sampler answers sampling requests without the UI.
type Sampler interface {
	Sample(ctx context.Context, server string, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error)
}

// Options configures a Relay.
type Options struct {
	// Bus receives a sampling or elicitation event per request. A bus
	// with no subscribers means no UI is attached.
	Bus *events.Bus

	// Timeout bounds how long a request waits for the UI. Zero waits
	// until the server cancels or the session ends.
	Timeout time.Duration

	Logger *slog.Logger
}

type waiter struct {
	Pending
	reply chan json.RawMessage
	fail  chan error
}

// Relay implements mcp.ServerRequestHandler by forwarding requests to
// the UI. It is safe for concurrent use.
type Relay struct {
	bus     *events.Bus
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*waiter
	sampler Sampler
}

// New creates a relay.
func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bus:     opts.Bus,
		timeout: opts.Timeout,
		logger:  logger,
		pending: make(map[string]*waiter),
	}
}

// SetSampler installs s to answer sampling requests directly instead
// of asking the UI. Pass nil to go back to asking.
func (r *Relay) SetSampler(s Sampler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampler = s
}

// CreateMessage implements mcp.ServerRequestHandler.
func (r *Relay) CreateMessage(ctx context.Context, server string, params *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	r.mu.Lock()
	sampler := r.sampler
	r.mu.Unlock()
	if sampler != nil {
		r.logger.Debug("answering sampling request automatically", "server", server)
		return sampler.Sample(ctx, server, params)
	}

	raw, err := r.await(ctx, KindSampling, SamplingPrefix, server, params)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, ErrRejected
	}
	var result mcp.CreateMessageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode sampling reply: %w", err)
	}
	return &result, nil
}

// Elicit implements mcp.ServerRequestHandler. A null answer from the UI
// is reported to the server as a cancel.
func (r *Relay) Elicit(ctx context.Context, server string, params *mcp.ElicitParams) (*mcp.ElicitResult, error) {
	raw, err := r.await(ctx, KindElicitation, ElicitationPrefix, server, params)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return &mcp.ElicitResult{Action: "cancel"}, nil
	}
	var result mcp.ElicitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode elicitation reply: %w", err)
	}
	return &result, nil
}

// await publishes a request and blocks until the UI answers, ctx ends,
// the timeout fires, or the server's session is abandoned.
func (r *Relay) await(ctx context.Context, kind, prefix, server string, params any) (json.RawMessage, error) {
	if r.bus.SubscriberCount() == 0 {
		r.logger.Warn("server request with no UI attached",
			"kind", kind,
			"server", server,
		)
		return nil, ErrNoListener
	}

	w := &waiter{
		Pending: Pending{
			Channel: prefix + "-" + uuid.New().String(),
			Kind:    kind,
			Server:  server,
			Params:  params,
			Created: time.Now(),
		},
		reply: make(chan json.RawMessage, 1),
		fail:  make(chan error, 1),
	}

	r.mu.Lock()
	r.pending[w.Channel] = w
	r.mu.Unlock()

	r.logger.Info("server request awaiting UI",
		"kind", kind,
		"server", server,
		"channel", w.Channel,
	)
	r.bus.Emit(events.SourceRelay, kind, map[string]any{
		"channel": w.Channel,
		"server":  server,
		"params":  params,
	})

	var expired <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case raw := <-w.reply:
		r.resolved(w.Channel, "answered")
		return raw, nil
	case err := <-w.fail:
		r.resolved(w.Channel, "abandoned")
		return nil, err
	case <-ctx.Done():
		r.remove(w.Channel)
		r.resolved(w.Channel, "abandoned")
		return nil, ctx.Err()
	case <-expired:
		r.remove(w.Channel)
		r.resolved(w.Channel, "timeout")
		return nil, fmt.Errorf("%s request from %s: no reply within %s", kind, server, r.timeout)
	}
}

func (r *Relay) remove(channel string) {
	r.mu.Lock()
	delete(r.pending, channel)
	r.mu.Unlock()
}

func (r *Relay) resolved(channel, outcome string) {
	r.bus.Emit(events.SourceRelay, events.KindResolved, map[string]any{
		"channel": channel,
		"outcome": outcome,
	})
}

// Resolve delivers the UI's answer for channel. The payload must decode
// as the result type the request expects, or be null to reject it. An
// invalid payload leaves the request pending so the UI can try again.
func (r *Relay) Resolve(channel string, payload json.RawMessage) error {
	r.mu.Lock()
	w, ok := r.pending[channel]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	if err := validate(w.Kind, payload); err != nil {
		return fmt.Errorf("invalid %s reply: %w", w.Kind, err)
	}

	r.mu.Lock()
	_, ok = r.pending[channel]
	delete(r.pending, channel)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	w.reply <- payload
	return nil
}

func validate(kind string, payload json.RawMessage) error {
	if isNull(payload) {
		return nil
	}
	var result mcp.Result
	switch kind {
	case KindSampling:
		result = &mcp.CreateMessageResult{}
	case KindElicitation:
		result = &mcp.ElicitResult{}
	default:
		return fmt.Errorf("unknown request kind %q", kind)
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return err
	}
	return result.Validate()
}

// AbandonServer fails every request pending for server and returns how
// many there were.
func (r *Relay) AbandonServer(server string) int {
	r.mu.Lock()
	var abandoned []*waiter
	for ch, w := range r.pending {
		if w.Server == server {
			abandoned = append(abandoned, w)
			delete(r.pending, ch)
		}
	}
	r.mu.Unlock()

	for _, w := range abandoned {
		w.fail <- fmt.Errorf("%w: %s stopped", ErrAbandoned, server)
	}
	if len(abandoned) > 0 {
		r.logger.Info("abandoned pending server requests",
			"server", server,
			"count", len(abandoned),
		)
	}
	return len(abandoned)
}

// Pending returns the requests waiting for the UI, oldest first.
func (r *Relay) Pending() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.pending))
	for _, w := range r.pending {
		out = append(out, w.Pending)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
