package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReasoningEfforts maps a provider's reasoning effort level to the
// reasoning_effort request value. Level 0 disables thinking through
// chat_template_kwargs instead.
var ReasoningEfforts = []string{"false", "none", "low", "medium", "high"}

// Provider is the configuration of one chat completion endpoint. The
// JSON form (camelCase) is used by the providers file; the YAML form
// (snake_case) by the main config.
type Provider struct {
	Name string `json:"name" yaml:"name"`

	URL    string `json:"url" yaml:"url"`
	Path   string `json:"path" yaml:"path"`
	Model  string `json:"model" yaml:"model"`
	APIKey string `json:"apiKey" yaml:"api_key"`

	// AuthPrefix precedes the key in the Authorization header. When
	// Authorization is false the key is sent as x-api-key instead.
	AuthPrefix    string `json:"authPrefix" yaml:"auth_prefix"`
	Authorization bool   `json:"authorization" yaml:"authorization"`

	Method      string `json:"method" yaml:"method"`
	ContentType string `json:"contentType" yaml:"content_type"`
	Stream      bool   `json:"stream" yaml:"stream"`

	// MCP enables sending MCP tools with chat requests.
	MCP bool `json:"mcp" yaml:"mcp"`

	// Temperature, TopP, and MaxTokensValue are kept as text, the way
	// settings forms store them. Empty means unset.
	Temperature    string `json:"temperature,omitempty" yaml:"temperature"`
	TopP           string `json:"topP,omitempty" yaml:"top_p"`
	MaxTokensValue string `json:"maxTokensValue,omitempty" yaml:"max_tokens"`

	// MaxTokensField is the body field that carries the token limit,
	// e.g. max_tokens or max_completion_tokens.
	MaxTokensField string `json:"maxTokensPrefix" yaml:"max_tokens_field"`

	ReasoningEffort *int   `json:"reasoningEffort,omitempty" yaml:"reasoning_effort"`
	SystemPrompt    string `json:"systemPrompt,omitempty" yaml:"system_prompt"`
}

// DefaultProvider returns the built-in provider settings.
func DefaultProvider() Provider {
	return Provider{
		URL:            "https://api2.aiql.com",
		Path:           "/chat/completions",
		Model:          "Qwen/Qwen3-32B",
		AuthPrefix:     "Bearer",
		Authorization:  true,
		Method:         "POST",
		ContentType:    "application/json",
		Stream:         true,
		MCP:            true,
		MaxTokensField: "max_tokens",
	}
}

// Endpoint returns the full request URL.
func (p Provider) Endpoint() string {
	return p.URL + p.Path
}

// Validate checks the fields a request cannot be built without.
func (p Provider) Validate() error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	if p.Model == "" {
		return errors.New("model is required")
	}
	if p.ReasoningEffort != nil && (*p.ReasoningEffort < 0 || *p.ReasoningEffort >= len(ReasoningEfforts)) {
		return fmt.Errorf("reasoning effort %d out of range 0-%d", *p.ReasoningEffort, len(ReasoningEfforts)-1)
	}
	return nil
}

// UnmarshalYAML starts from DefaultProvider so fields absent from the
// YAML keep their defaults.
func (p *Provider) UnmarshalYAML(node *yaml.Node) error {
	type plain Provider
	v := plain(DefaultProvider())
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = Provider(v)
	return nil
}

// providersFile is the on-disk providers document: a default that
// overrides the built-in settings and a list of custom providers, each
// of which overrides the default.
type providersFile struct {
	Default json.RawMessage   `json:"default"`
	Custom  []json.RawMessage `json:"custom"`
}

// LoadProvidersFile reads the providers file at path. Each custom entry
// is layered over the file's default, which is layered over
// DefaultProvider. A file with no custom entries yields its default
// alone.
func LoadProvidersFile(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var f providersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}

	base := DefaultProvider()
	if len(f.Default) > 0 {
		if err := json.Unmarshal(f.Default, &base); err != nil {
			return nil, fmt.Errorf("parse default provider: %w", err)
		}
	}

	if len(f.Custom) == 0 {
		if base.Name == "" {
			base.Name = "default"
		}
		return []Provider{base}, nil
	}

	out := make([]Provider, 0, len(f.Custom))
	for i, raw := range f.Custom {
		p := base
		p.ReasoningEffort = cloneInt(base.ReasoningEffort)
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("parse custom provider %d: %w", i, err)
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("provider-%d", i+1)
		}
		out = append(out, p)
	}
	return out, nil
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
