package llm

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// SplitThink moves an inline <think>...</think> block out of the
// content. data is content+chunk; when it holds no closing tag the
// chunk is plain content. Otherwise the text between the opening tag
// (or the start, if the model omitted it) and the closing tag is added
// to reasoning, and content becomes whatever follows the closing tag.
// Only the first closing tag is considered.
func SplitThink(content, reasoning, chunk string) (newContent, newReasoning string, split bool) {
	data := content + chunk
	closeIdx := strings.Index(data, thinkClose)
	if closeIdx < 0 {
		return data, reasoning, false
	}

	start := 0
	if openIdx := strings.Index(data, thinkOpen); openIdx >= 0 && openIdx < closeIdx {
		start = openIdx + len(thinkOpen)
	}
	reasoning += strings.TrimSpace(data[start:closeIdx])
	after := data[closeIdx+len(thinkClose):]
	return strings.TrimLeftFunc(after, unicode.IsSpace), reasoning, true
}

// FunctionDelta is a streamed fragment of a function call. Nil fields
// were absent or null and leave the accumulated value alone.
type FunctionDelta struct {
	Name      *string
	Arguments *string
}

// UnmarshalJSON accepts arguments as a JSON string or, as some
// endpoints send them, as an object, which is kept as JSON text.
func (f *FunctionDelta) UnmarshalJSON(data []byte) error {
	var wire struct {
		Name      *string         `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	f.Name = wire.Name
	f.Arguments = nil

	args := bytes.TrimSpace(wire.Arguments)
	switch {
	case len(args) == 0 || bytes.Equal(args, []byte("null")):
	case args[0] == '"':
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return err
		}
		f.Arguments = &s
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, args); err != nil {
			return err
		}
		s := buf.String()
		f.Arguments = &s
	}
	return nil
}

// ToolCallDelta is a streamed fragment of a tool call.
type ToolCallDelta struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function *FunctionDelta `json:"function,omitempty"`
}

// mergeField applies one fragment to an accumulated value. An empty
// value or the "{}" placeholder is overwritten; anything else is
// extended.
func mergeField(dst *string, v *string) {
	if v == nil {
		return
	}
	if *dst != "" && *dst != "{}" {
		*dst += *v
		return
	}
	*dst = *v
}

// MergeToolCalls folds deltas into calls and returns the result. A
// delta continues the last call when it has no id or repeats the last
// call's id; otherwise it starts a new call whose arguments default to
// "{}". An empty {} delta carries nothing and is dropped.
func MergeToolCalls(calls []ToolCall, deltas []ToolCallDelta) []ToolCall {
	for _, d := range deltas {
		if d.ID == "" && d.Type == "" && d.Function == nil {
			continue
		}
		n := len(calls)
		if n > 0 && (d.ID == "" || d.ID == calls[n-1].ID) {
			if d.Function != nil {
				fn := &calls[n-1].Function
				mergeField(&fn.Name, d.Function.Name)
				mergeField(&fn.Arguments, d.Function.Arguments)
			}
			continue
		}

		tc := ToolCall{ID: d.ID, Type: d.Type, Function: FunctionCall{Arguments: "{}"}}
		if d.Function != nil {
			if d.Function.Name != nil {
				tc.Function.Name = *d.Function.Name
			}
			if d.Function.Arguments != nil {
				tc.Function.Arguments = *d.Function.Arguments
			}
		}
		calls = append(calls, tc)
	}
	return calls
}

// Delta is one decoded increment of an assistant message.
type Delta struct {
	Content          *string
	ReasoningContent *string
	ToolCalls        []ToolCallDelta
}

// Builder assembles an assistant message from deltas.
type Builder struct {
	msg         Message
	thinkClosed bool
}

// NewBuilder returns a builder holding an empty assistant message.
func NewBuilder() *Builder {
	return &Builder{msg: Message{
		Role:      RoleAssistant,
		Content:   Text(""),
		ToolCalls: []ToolCall{},
	}}
}

// AppendContent adds a content chunk, splitting off an inline think
// block the first time a closing tag appears.
func (b *Builder) AppendContent(chunk string) {
	if b.thinkClosed {
		b.msg.Content.Text += chunk
		return
	}
	content, reasoning, split := SplitThink(b.msg.Content.Text, b.msg.ReasoningContent, chunk)
	b.msg.Content.Text = content
	b.msg.ReasoningContent = reasoning
	b.thinkClosed = split
}

// AppendReasoning adds a reasoning_content chunk verbatim.
func (b *Builder) AppendReasoning(chunk string) {
	b.msg.ReasoningContent += chunk
}

// MergeToolCalls folds tool call fragments into the message.
func (b *Builder) MergeToolCalls(deltas []ToolCallDelta) {
	b.msg.ToolCalls = MergeToolCalls(b.msg.ToolCalls, deltas)
}

// Apply merges one delta.
func (b *Builder) Apply(d Delta) {
	if d.Content != nil {
		b.AppendContent(*d.Content)
	}
	if d.ReasoningContent != nil {
		b.AppendReasoning(*d.ReasoningContent)
	}
	if d.ToolCalls != nil {
		b.MergeToolCalls(d.ToolCalls)
	}
}

// Message returns a copy of the message built so far.
func (b *Builder) Message() Message {
	return b.msg.Clone()
}
