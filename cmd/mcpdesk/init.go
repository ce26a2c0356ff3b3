package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/mcpdesk/internal/defaults"
)

// runInit initializes an mcpdesk working directory with an example
// config and servers file. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing mcpdesk workspace in %s\n", dir)

	for _, sub := range []string{"data", "bundles"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// config.yaml holds provider API keys.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"mcp.json", defaults.ServersJSON, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeIfMissing(path, f.content, f.perm); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to add a chat provider and mcp.json to add servers.")
	fmt.Fprintln(w, "Unpacked extension bundles go in bundles/<name>/.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, perm)
}
