// Package bundle reads unpacked extension bundles and turns their
// manifests into MCP server configurations.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ManifestFile is the manifest's name inside a bundle directory.
const ManifestFile = "manifest.json"

// UserConfigOption declares one value the user supplies when enabling
// a bundle.
type UserConfigOption struct {
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Multiple    bool   `json:"multiple,omitempty"`
	Sensitive   bool   `json:"sensitive,omitempty"`
}

// ServerSpec is the command template a bundle runs.
type ServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Server describes how a bundle's server is started.
type Server struct {
	Type       string     `json:"type"`
	EntryPoint string     `json:"entry_point,omitempty"`
	MCPConfig  ServerSpec `json:"mcp_config"`
}

// Manifest is a bundle's manifest.json.
type Manifest struct {
	Name        string                      `json:"name"`
	DisplayName string                      `json:"display_name,omitempty"`
	Version     string                      `json:"version,omitempty"`
	Description string                      `json:"description,omitempty"`
	Server      Server                      `json:"server"`
	UserConfig  map[string]UserConfigOption `json:"user_config,omitempty"`
}

// Validate checks the fields needed to start the server.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest missing name")
	}
	if m.Server.MCPConfig.Command == "" {
		return errors.New("manifest missing server.mcp_config.command")
	}
	return nil
}

// ReadManifest reads the manifest at path, which is either a bundle
// directory or the manifest file itself.
func ReadManifest(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, ManifestFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// Listing is one installed bundle.
type Listing struct {
	// Name is the bundle's directory name, which is also its server
	// name in the registry.
	Name     string    `json:"name"`
	Dir      string    `json:"dir"`
	Manifest *Manifest `json:"manifest"`
}

// ListManifests returns the bundles under root, sorted by directory
// name. Subdirectories without a readable manifest are skipped. A
// missing root yields no bundles.
func ListManifests(root string) ([]Listing, error) {
	if root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bundle dir: %w", err)
	}

	var out []Listing
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		m, err := ReadManifest(dir)
		if err != nil {
			continue
		}
		out = append(out, Listing{Name: e.Name(), Dir: dir, Manifest: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
