package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// LineSplitter reassembles lines from arbitrarily split chunks of a
// server-sent event stream.
type LineSplitter struct {
	buf string
}

// Push adds a chunk and returns the complete lines it finished. A chunk
// without a newline is only buffered. Otherwise the buffered text is
// prepended to the first line, and a non-empty trailing fragment is
// held back until the next chunk.
func (s *LineSplitter) Push(chunk string) []string {
	parts := strings.Split(chunk, "\n")
	if len(parts) == 1 {
		s.buf += parts[0]
		return nil
	}

	if s.buf != "" {
		parts[0] = s.buf + parts[0]
		s.buf = ""
	}

	if last := parts[len(parts)-1]; last != "" {
		s.buf = last
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Flush returns and clears any buffered partial line.
func (s *LineSplitter) Flush() string {
	rest := s.buf
	s.buf = ""
	return rest
}

// DataPayload extracts the payload of an SSE "data" line. Other fields,
// blank payloads, and the [DONE] sentinel report false.
func DataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	pos := strings.IndexByte(line, ':')
	if pos < 0 || line[:pos] != "data" {
		return "", false
	}
	payload := strings.TrimSpace(line[pos+1:])
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	return payload, true
}

// wireDelta is the shape of a streamed delta or complete message.
type wireDelta struct {
	Content          json.RawMessage `json:"content"`
	ReasoningContent *string         `json:"reasoning_content"`
	ToolCalls        []ToolCallDelta `json:"tool_calls"`
}

// DecodePayload turns one payload into deltas. Shapes are tried in
// order: {choices:[{delta|message}]}, {response: ...}, a bare message
// object, and finally the payload itself as raw text.
func DecodePayload(payload string) []Delta {
	raw := []byte(payload)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return rawText(payload)
	}

	if choicesRaw, ok := obj["choices"]; ok {
		var choices []struct {
			Delta   json.RawMessage `json:"delta"`
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(choicesRaw, &choices); err != nil {
			return rawText(payload)
		}
		var out []Delta
		for _, c := range choices {
			body := c.Delta
			if isNullJSON(body) {
				body = c.Message
			}
			d, ok := decodeChoice(body)
			if !ok {
				return rawText(payload)
			}
			if d != nil {
				out = append(out, *d)
			}
		}
		return out
	}

	if resp, ok := obj["response"]; ok {
		d, ok := decodeChoice(resp)
		if !ok {
			return rawText(payload)
		}
		if d == nil {
			return nil
		}
		return []Delta{*d}
	}

	d, ok := decodeChoice(raw)
	if !ok {
		return rawText(payload)
	}
	if d == nil {
		return nil
	}
	return []Delta{*d}
}

// decodeChoice decodes a string or message-shaped value. A nil delta
// with ok set means there was nothing to apply.
func decodeChoice(raw json.RawMessage) (*Delta, bool) {
	raw = bytes.TrimSpace(raw)
	if isNullJSON(raw) {
		return nil, true
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		if s == "" {
			return nil, true
		}
		return &Delta{Content: &s}, true
	case '{':
	default:
		// Numbers, booleans, and arrays carry no message fields.
		return nil, true
	}

	var w wireDelta
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, false
	}

	d := &Delta{ReasoningContent: w.ReasoningContent, ToolCalls: w.ToolCalls}
	if c := bytes.TrimSpace(w.Content); len(c) > 0 && c[0] == '"' {
		var s string
		if err := json.Unmarshal(c, &s); err != nil {
			return nil, false
		}
		d.Content = &s
	}
	return d, true
}

func rawText(payload string) []Delta {
	return []Delta{{Content: &payload}}
}

func isNullJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
