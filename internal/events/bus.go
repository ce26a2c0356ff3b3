// Package events provides the publish/subscribe half of the host-to-UI
// bus. Components (registry, relay, chat loop) publish events; the UI
// adapter forwards them to connected clients. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRegistry identifies events from the MCP client registry.
	SourceRegistry = "registry"
	// SourceRelay identifies server-initiated requests awaiting the UI.
	SourceRelay = "relay"
	// SourceChat identifies events from the completion engine and tool loop.
	SourceChat = "chat"
	// SourceHost identifies process-level events (startup, shutdown, reload).
	SourceHost = "host"
)

// Kind constants describe the type of event within a source.
const (
	// KindProgress reports a server entry changing state during
	// (re)initialization or health monitoring.
	// Data: name, message, status (pending|success|error).
	KindProgress = "progress"
	// KindFeatures signals that the published feature set was replaced.
	// Data: features.
	KindFeatures = "features"

	// KindSampling asks the UI to answer a sampling request.
	// Data: channel, server, params.
	KindSampling = "sampling"
	// KindElicitation asks the UI to answer an elicitation request.
	// Data: channel, server, params.
	KindElicitation = "elicitation"
	// KindResolved signals that a pending request left the queue.
	// Data: channel, outcome (answered|abandoned|timeout).
	KindResolved = "resolved"

	// KindDelta carries the current state of the assistant message being
	// streamed. Data: session_id, index, message.
	KindDelta = "delta"
	// KindMessage signals a message appended outside the stream (tool
	// results, synthetic user turns). Data: session_id, message.
	KindMessage = "message"
	// KindGeneration signals a generation state change.
	// Data: session_id, state (prepare|streaming|toolcall|idle).
	KindGeneration = "generation"
	// KindError carries a user-visible error. Data: session_id, error.
	KindError = "error"
	// KindAborted signals a generation that was cancelled by the user.
	// Data: session_id.
	KindAborted = "aborted"

	// KindReload signals that a watched configuration file changed.
	// Data: path.
	KindReload = "reload"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// 64 is a reasonable buffer for WebSocket consumers; streaming deltas
// arrive in bursts.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers. The relay
// uses it to detect that no UI is attached.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
