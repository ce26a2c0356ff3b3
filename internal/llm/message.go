// Package llm streams chat completions from OpenAI-compatible HTTP
// endpoints and assembles the streamed deltas into conversation
// messages.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ImageURL is the payload of an image_url content part. URL may be a
// data: URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Part is one element of list-form message content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart returns a text part.
func TextPart(s string) Part { return Part{Type: "text", Text: s} }

// ImagePart returns an image_url part.
func ImagePart(url string) Part { return Part{Type: "image_url", ImageURL: &ImageURL{URL: url}} }

// Content is message content: either a plain string or a list of
// parts. A non-nil Parts selects the list form.
type Content struct {
	Text  string
	Parts []Part
}

// Text returns string-form content.
func Text(s string) Content { return Content{Text: s} }

// Parts returns list-form content.
func Parts(parts ...Part) Content {
	if parts == nil {
		parts = []Part{}
	}
	return Content{Parts: parts}
}

// IsParts reports whether c is in list form.
func (c Content) IsParts() bool { return c.Parts != nil }

// String returns the text of c. For list form the text parts are
// joined with newlines.
func (c Content) String() string {
	if !c.IsParts() {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasImage reports whether any part is an image.
func (c Content) HasImage() bool {
	for _, p := range c.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// MarshalJSON encodes c as a string or an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsParts() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
	case data[0] == '[':
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Parts(parts...)
	default:
		return fmt.Errorf("message content must be a string or an array, got %s", data)
	}
	return nil
}

// FunctionCall is the function half of a tool call. Arguments holds
// JSON text, which may be incomplete while streaming.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// IsPlaceholder reports whether tc names no call: no id, type, or
// function name. Some endpoints stream a {} entry when they have no
// tool calls.
func (tc ToolCall) IsPlaceholder() bool {
	return tc.ID == "" && tc.Type == "" && tc.Function.Name == ""
}

// Message is one conversation message.
type Message struct {
	Role             string     `json:"role"`
	Content          Content    `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	Name             string     `json:"name,omitempty"`
}

// Clone returns a copy of m that shares no slices with it.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall{}, m.ToolCalls...)
	}
	if m.Content.Parts != nil {
		out.Content.Parts = append([]Part{}, m.Content.Parts...)
	}
	return out
}

// Conversation is an ordered message list that the engine appends to
// while other goroutines read it. It is safe for concurrent use.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
}

// NewConversation returns a conversation holding a copy of msgs.
func NewConversation(msgs []Message) *Conversation {
	c := &Conversation{}
	c.Set(msgs)
	return c
}

// Messages returns a snapshot of the conversation.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}
	return out
}

// Set replaces the whole conversation with a copy of msgs.
func (c *Conversation) Set(msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]Message, len(msgs))
	for i, m := range msgs {
		c.messages[i] = m.Clone()
	}
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Append adds m to the end and returns its index.
func (c *Conversation) Append(m Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m.Clone())
	return len(c.messages) - 1
}

// Last returns the final message, if any.
func (c *Conversation) Last() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1].Clone(), true
}

// ReplaceLast overwrites the final message, or appends m to an empty
// conversation.
func (c *Conversation) ReplaceLast(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		c.messages = append(c.messages, m.Clone())
		return
	}
	c.messages[len(c.messages)-1] = m.Clone()
}

// Replace overwrites the message at index with m. It reports false,
// changing nothing, when index is out of range or no longer holds an
// assistant message because the conversation was edited underneath.
func (c *Conversation) Replace(index int, m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.messages) || c.messages[index].Role != RoleAssistant {
		return false
	}
	c.messages[index] = m.Clone()
	return true
}

// Truncate drops every message from index n on.
func (c *Conversation) Truncate(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= 0 && n < len(c.messages) {
		c.messages = c.messages[:n]
	}
}

// Delete removes count messages starting at index. Out of range
// arguments are clamped.
func (c *Conversation) Delete(index, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.messages) || count <= 0 {
		return
	}
	end := min(index+count, len(c.messages))
	c.messages = append(c.messages[:index], c.messages[end:]...)
}
