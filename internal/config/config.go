// Package config handles mcpdesk configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcpdesk/internal/llm"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpdesk/config.yaml, /etc/mcpdesk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpdesk", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpdesk/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpdesk configuration.
type Config struct {
	Listen          ListenConfig   `yaml:"listen"`
	DataDir         string         `yaml:"data_dir"`
	LogLevel        string         `yaml:"log_level"`
	LogFormat       string         `yaml:"log_format"` // text (default) or json
	MCP             MCPConfig      `yaml:"mcp"`
	ProvidersFile   string         `yaml:"providers_file"` // optional JSON {default, custom[]}
	Providers       []llm.Provider `yaml:"providers"`
	DefaultProvider string         `yaml:"default_provider"`
	SystemPrompt    string         `yaml:"system_prompt"`
}

// ListenConfig defines the UI bus server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`
}

// MCPConfig controls MCP server discovery and session lifecycle.
type MCPConfig struct {
	// ServersFile is the JSON file holding {"mcpServers": {...}}. It is
	// also the last-known-good source for inactive listings.
	ServersFile string `yaml:"servers_file"`

	// BundleDir holds one unpacked extension bundle per subdirectory.
	BundleDir string `yaml:"bundle_dir"`

	// IdleTimeout bounds a silent server's startup. Any stderr output
	// resets the timer.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// InitConcurrency caps concurrent server launches (0 = unlimited).
	InitConcurrency int `yaml:"init_concurrency"`

	// RelayTimeout bounds sampling/elicitation round-trips to the UI.
	// Zero waits until the UI answers or the server goes away.
	RelayTimeout time.Duration `yaml:"relay_timeout"`

	// AutoSampling answers sampling requests with the default provider
	// instead of asking the UI.
	AutoSampling bool `yaml:"auto_sampling"`

	// Watch re-initializes servers when ServersFile or BundleDir changes.
	Watch bool `yaml:"watch"`

	// HealthInterval enables periodic pings of connected servers.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Address: "127.0.0.1", Port: 8765},
		DataDir: "data",
		MCP: MCPConfig{
			ServersFile:     "mcp.json",
			BundleDir:       "bundles",
			IdleTimeout:     90 * time.Second,
			InitConcurrency: 8,
		},
	}
}

// resolvePaths makes relative file locations relative to the directory
// holding the config file.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.DataDir, &c.MCP.ServersFile, &c.MCP.BundleDir, &c.ProvidersFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate checks the configuration for values that would fail later
// in a less obvious way.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.MCP.IdleTimeout < 0 {
		return fmt.Errorf("mcp.idle_timeout must not be negative")
	}
	if c.MCP.ServersFile == "" {
		return fmt.Errorf("mcp.servers_file is required")
	}
	if c.DefaultProvider != "" {
		found := false
		for _, p := range c.Providers {
			if p.Name == c.DefaultProvider {
				found = true
				break
			}
		}
		if !found && c.ProvidersFile == "" {
			return fmt.Errorf("default_provider %q is not defined in providers", c.DefaultProvider)
		}
	}
	return nil
}

// LoadProviders returns the configured chat providers. Providers from
// ProvidersFile come first, followed by the inline YAML list. When
// neither yields anything a single default provider is returned.
func (c *Config) LoadProviders() ([]llm.Provider, error) {
	var out []llm.Provider
	if c.ProvidersFile != "" {
		fromFile, err := llm.LoadProvidersFile(c.ProvidersFile)
		if err != nil {
			return nil, fmt.Errorf("load providers file: %w", err)
		}
		out = append(out, fromFile...)
	}
	out = append(out, c.Providers...)
	if len(out) == 0 {
		p := llm.DefaultProvider()
		p.Name = "default"
		p.MCP = true
		effort := 1
		p.ReasoningEffort = &effort
		out = append(out, p)
	}
	return out, nil
}
