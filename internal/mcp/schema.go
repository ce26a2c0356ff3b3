package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Result is a decoded, validated MCP method result.
type Result interface {
	Validate() error
}

// Schema names a result type and knows how to decode it.
type Schema struct {
	name      string
	newResult func() Result
}

// Name returns the result type name, e.g. "ListToolsResult".
func (s Schema) Name() string { return s.name }

// Decode unmarshals raw into a fresh result and validates it.
func (s Schema) Decode(raw json.RawMessage) (Result, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode %s: empty result", s.name)
	}
	r := s.newResult()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.name, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", s.name, err)
	}
	return r, nil
}

// Result schemas for the methods the host calls.
var (
	ListToolsSchema             = Schema{"ListToolsResult", func() Result { return &ListToolsResult{} }}
	CallToolSchema              = Schema{"CallToolResult", func() Result { return &CallToolResult{} }}
	ListPromptsSchema           = Schema{"ListPromptsResult", func() Result { return &ListPromptsResult{} }}
	GetPromptSchema             = Schema{"GetPromptResult", func() Result { return &GetPromptResult{} }}
	ListResourcesSchema         = Schema{"ListResourcesResult", func() Result { return &ListResourcesResult{} }}
	ReadResourceSchema          = Schema{"ReadResourceResult", func() Result { return &ReadResourceResult{} }}
	ListResourceTemplatesSchema = Schema{"ListResourceTemplatesResult", func() Result { return &ListResourceTemplatesResult{} }}
)

// Implementation identifies a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is a server's capability set. Values are kept raw; only
// presence matters to the host.
type Capabilities map[string]json.RawMessage

// Has reports whether the named capability is advertised.
func (c Capabilities) Has(name string) bool {
	v, ok := c[name]
	if !ok {
		return false
	}
	v = bytes.TrimSpace(v)
	return len(v) > 0 && !bytes.Equal(v, []byte("null")) && !bytes.Equal(v, []byte("false"))
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Content is one item of tool output, prompt text, or sampling
// content. Content decoded from the wire re-encodes byte for byte, so
// fields the host does not model survive the round trip to the UI.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	URI      string          `json:"uri,omitempty"`
	Name     string          `json:"name,omitempty"`

	raw json.RawMessage
}

type contentFields Content

// UnmarshalJSON keeps the original bytes alongside the decoded fields.
func (c *Content) UnmarshalJSON(data []byte) error {
	var f contentFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*c = Content(f)
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the original bytes for decoded content.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.raw) > 0 {
		return c.raw, nil
	}
	return json.Marshal(contentFields(c))
}

// Raw returns the item as received, or its encoding if it was built
// locally.
func (c Content) Raw() json.RawMessage {
	if len(c.raw) > 0 {
		return c.raw
	}
	data, _ := json.Marshal(contentFields(c))
	return data
}

// Validate checks the fields each content type requires.
func (c Content) Validate() error {
	switch c.Type {
	case "text":
		return nil
	case "image", "audio":
		if c.Data == "" || c.MimeType == "" {
			return fmt.Errorf("%s content requires data and mimeType", c.Type)
		}
	case "resource":
		if len(c.Resource) == 0 {
			return errors.New("resource content requires resource")
		}
	case "resource_link":
		if c.URI == "" {
			return errors.New("resource_link content requires uri")
		}
	case "":
		return errors.New("content item missing type")
	default:
		return fmt.Errorf("unknown content type %q", c.Type)
	}
	return nil
}

func validateContents(items []Content) error {
	for i, c := range items {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
	}
	return nil
}

// Tool is an MCP tool as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Validate implements Result.
func (r *ListToolsResult) Validate() error {
	if r.Tools == nil {
		return errors.New("missing tools")
	}
	for i, tool := range r.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools[%d]: missing name", i)
		}
	}
	return nil
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Validate implements Result.
func (r *CallToolResult) Validate() error {
	if r.Content == nil {
		return errors.New("missing content")
	}
	return validateContents(r.Content)
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a prompt template offered by a server.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult is the result of prompts/list.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Validate implements Result.
func (r *ListPromptsResult) Validate() error {
	if r.Prompts == nil {
		return errors.New("missing prompts")
	}
	for i, p := range r.Prompts {
		if p.Name == "" {
			return fmt.Errorf("prompts[%d]: missing name", i)
		}
	}
	return nil
}

// PromptMessage is one message of an expanded prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// GetPromptResult is the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Validate implements Result.
func (r *GetPromptResult) Validate() error {
	if r.Messages == nil {
		return errors.New("missing messages")
	}
	for i, m := range r.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		if err := m.Content.Validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}

// Resource is a readable resource offered by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// ListResourcesResult is the result of resources/list.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Validate implements Result.
func (r *ListResourcesResult) Validate() error {
	if r.Resources == nil {
		return errors.New("missing resources")
	}
	for i, res := range r.Resources {
		if res.URI == "" {
			return fmt.Errorf("resources[%d]: missing uri", i)
		}
	}
	return nil
}

// ResourceContents is the body of a read resource. Exactly one of Text
// or Blob (base64) is set.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the result of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// Validate implements Result.
func (r *ReadResourceResult) Validate() error {
	if r.Contents == nil {
		return errors.New("missing contents")
	}
	for i, c := range r.Contents {
		if c.URI == "" {
			return fmt.Errorf("contents[%d]: missing uri", i)
		}
	}
	return nil
}

// ResourceTemplate is a parameterized resource URI.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourceTemplatesResult is the result of resources/templates/list.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// Validate implements Result.
func (r *ListResourceTemplatesResult) Validate() error {
	if r.ResourceTemplates == nil {
		return errors.New("missing resourceTemplates")
	}
	for i, tpl := range r.ResourceTemplates {
		if tpl.URITemplate == "" {
			return fmt.Errorf("resourceTemplates[%d]: missing uriTemplate", i)
		}
	}
	return nil
}

// SamplingMessage is one message in a sampling request.
type SamplingMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// CreateMessageParams are the params of a sampling/createMessage
// request sent by a server.
type CreateMessageParams struct {
	Messages         []SamplingMessage `json:"messages"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	IncludeContext   string            `json:"includeContext,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        int               `json:"maxTokens"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	ModelPreferences json.RawMessage   `json:"modelPreferences,omitempty"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
}

// CreateMessageResult answers a sampling request.
type CreateMessageResult struct {
	Role       string  `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stopReason,omitempty"`
}

// Validate implements Result.
func (r *CreateMessageResult) Validate() error {
	if r.Role != "user" && r.Role != "assistant" {
		return fmt.Errorf("invalid role %q", r.Role)
	}
	if r.Model == "" {
		return errors.New("missing model")
	}
	return r.Content.Validate()
}

// ElicitParams are the params of an elicitation/create request.
type ElicitParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

// ElicitResult answers an elicitation request.
type ElicitResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// Validate implements Result.
func (r *ElicitResult) Validate() error {
	switch r.Action {
	case "accept", "decline", "cancel":
		return nil
	default:
		return fmt.Errorf("invalid action %q", r.Action)
	}
}
