package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/mcpdesk/internal/mcp"
)

// Resolver turns a bundle manifest plus the user's settings into a
// runnable server configuration.
type Resolver interface {
	Resolve(ctx context.Context, dir string, m *Manifest, userConfig map[string]any) (mcp.ServerConfig, error)
}

// SystemDirs are the well-known directories manifests may reference.
type SystemDirs struct {
	Home      string
	Desktop   string
	Documents string
	Downloads string
}

// DefaultSystemDirs derives the well-known directories from the user's
// home directory.
func DefaultSystemDirs() SystemDirs {
	home, err := os.UserHomeDir()
	if err != nil {
		return SystemDirs{}
	}
	return SystemDirs{
		Home:      home,
		Desktop:   filepath.Join(home, "Desktop"),
		Documents: filepath.Join(home, "Documents"),
		Downloads: filepath.Join(home, "Downloads"),
	}
}

// ManifestResolver substitutes ${...} variables in a manifest's
// mcp_config. Unknown variables are left as written.
type ManifestResolver struct {
	Dirs SystemDirs
	// Separator defaults to the OS path separator.
	Separator string
}

// NewManifestResolver returns a resolver for the current user.
func NewManifestResolver() *ManifestResolver {
	return &ManifestResolver{Dirs: DefaultSystemDirs()}
}

var (
	varPattern      = regexp.MustCompile(`\$\{([^}]+)\}`)
	wholeUserConfig = regexp.MustCompile(`^\$\{user_config\.([^}]+)\}$`)
)

// Resolve implements Resolver.
func (r *ManifestResolver) Resolve(_ context.Context, dir string, m *Manifest, userConfig map[string]any) (mcp.ServerConfig, error) {
	if m == nil {
		return mcp.ServerConfig{}, fmt.Errorf("bundle %s: nil manifest", dir)
	}
	values, err := userValues(m, userConfig)
	if err != nil {
		return mcp.ServerConfig{}, fmt.Errorf("bundle %s: %w", m.Name, err)
	}

	sep := r.Separator
	if sep == "" {
		sep = string(filepath.Separator)
	}
	vars := map[string]string{
		"__dirname":     dir,
		"HOME":          r.Dirs.Home,
		"DESKTOP":       r.Dirs.Desktop,
		"DOCUMENTS":     r.Dirs.Documents,
		"DOWNLOADS":     r.Dirs.Downloads,
		"pathSeparator": sep,
		"/":             sep,
	}
	expand := func(s string) string {
		return varPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := match[2 : len(match)-1]
			if key, ok := strings.CutPrefix(name, "user_config."); ok {
				if v, ok := values[key]; ok {
					return strings.Join(v, ",")
				}
				return match
			}
			if v, ok := vars[name]; ok {
				return v
			}
			return match
		})
	}

	spec := m.Server.MCPConfig
	cfg := mcp.ServerConfig{Command: expand(spec.Command)}
	for _, arg := range spec.Args {
		if sub := wholeUserConfig.FindStringSubmatch(arg); sub != nil {
			if v, ok := values[sub[1]]; ok {
				cfg.Args = append(cfg.Args, v...)
				continue
			}
		}
		cfg.Args = append(cfg.Args, expand(arg))
	}
	if len(spec.Env) > 0 {
		cfg.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			cfg.Env[k] = expand(v)
		}
	}
	return cfg, nil
}

// userValues merges user settings over manifest defaults. Each value is
// kept as a list so array settings can expand into several arguments.
func userValues(m *Manifest, userConfig map[string]any) (map[string][]string, error) {
	out := make(map[string][]string)
	keys := make([]string, 0, len(m.UserConfig))
	for k := range m.UserConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		opt := m.UserConfig[k]
		v, ok := userConfig[k]
		if !ok || v == nil {
			v = opt.Default
		}
		if v == nil {
			if opt.Required {
				return nil, fmt.Errorf("user_config %q is required", k)
			}
			continue
		}
		out[k] = stringValues(v)
	}
	for k, v := range userConfig {
		if _, declared := m.UserConfig[k]; !declared && v != nil {
			out[k] = stringValues(v)
		}
	}
	return out, nil
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, scalarString(item))
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return []string{scalarString(v)}
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
