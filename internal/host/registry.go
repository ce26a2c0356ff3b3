// Package host owns the set of running MCP sessions. A Registry starts
// every configured server concurrently, publishes the callable surface
// of each one that connects, and tears the whole set down again on
// reload or shutdown. One server failing never affects the others.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcpdesk/internal/bundle"
	"github.com/nugget/mcpdesk/internal/connwatch"
	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/mcp"
	"github.com/nugget/mcpdesk/internal/procs"
)

// Metadata types understood by InitAll.
const (
	TypeStdioConfig = "metadata__stdio_config"
	TypeDXTManifest = "metadata__dxt_manifest"
)

// Progress statuses passed to ProgressFunc.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metadata describes one server to start. Config is an mcp.ServerConfig
// for stdio entries and a bundle manifest for bundle entries.
type Metadata struct {
	Type       string          `json:"type"`
	Config     json.RawMessage `json:"config,omitempty"`
	UserConfig map[string]any  `json:"user_config,omitempty"`
}

// ProgressFunc observes entries changing state during InitAll. It is
// called from several goroutines at once.
type ProgressFunc func(name, message, status string)

// Bridge answers server-initiated requests and can drop the pending
// ones of a server that is going away. *relay.Relay implements it.
type Bridge interface {
	mcp.ServerRequestHandler
	AbandonServer(server string) int
}

// ConnectFunc starts one server. mcp.Connect is the default.
type ConnectFunc func(ctx context.Context, name string, cfg mcp.ServerConfig, opts mcp.ConnectOptions) (*mcp.Session, error)

// Options configures a Registry.
type Options struct {
	// ServersFile holds {"mcpServers": {...}}, listed when nothing runs.
	ServersFile string

	// BundleDir holds one unpacked bundle per subdirectory, named after
	// the metadata key.
	BundleDir string

	IdleTimeout time.Duration

	// Concurrency caps simultaneous server launches. Zero is unlimited.
	Concurrency int

	// HealthInterval enables ping-based health watching when positive.
	HealthInterval time.Duration

	Procs    *procs.Registry
	Bridge   Bridge
	Resolver bundle.Resolver
	Bus      *events.Bus
	Connect  ConnectFunc
	Logger   *slog.Logger
}

// Registry is the MCP client registry. It is safe for concurrent use;
// InitAll, StopAll and Deactivate are serialized.
type Registry struct {
	opts   Options
	procs  *procs.Registry
	health *connwatch.Manager
	logger *slog.Logger

	lifecycle sync.Mutex

	mu       sync.RWMutex
	sessions []*mcp.Session
	features []mcp.FeatureDescriptor
	last     map[string]Metadata
}

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "host")
	if opts.Procs == nil {
		opts.Procs = procs.New()
	}
	if opts.Resolver == nil {
		opts.Resolver = bundle.NewManifestResolver()
	}
	if opts.Connect == nil {
		opts.Connect = mcp.Connect
	}
	return &Registry{
		opts:   opts,
		procs:  opts.Procs,
		health: connwatch.NewManager(logger),
		logger: logger,
	}
}

// Procs returns the procedure registry sessions are exposed in.
func (r *Registry) Procs() *procs.Registry {
	return r.procs
}

// entry is one validated metadata item.
type entry struct {
	name       string
	kind       string
	config     mcp.ServerConfig
	manifest   *bundle.Manifest
	userConfig map[string]any
}

// result is what starting one entry produced.
type result struct {
	session    *mcp.Session
	descriptor mcp.FeatureDescriptor
	err        error
}

// plan decodes metadata into entries, sorted by name. Any undecodable
// entry fails the whole batch.
func plan(metadata map[string]Metadata) ([]entry, error) {
	names := make([]string, 0, len(metadata))
	for name := range metadata {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	entries := make([]entry, 0, len(names))
	for _, name := range names {
		md := metadata[name]
		e := entry{name: name, kind: md.Type, userConfig: md.UserConfig}
		switch md.Type {
		case TypeStdioConfig:
			if err := json.Unmarshal(md.Config, &e.config); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: decode config: %w", name, err))
				continue
			}
		case TypeDXTManifest:
			var m bundle.Manifest
			if err := json.Unmarshal(md.Config, &m); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: decode manifest: %w", name, err))
				continue
			}
			e.manifest = &m
		}
		entries = append(entries, e)
	}
	return entries, errs
}

// InitAll replaces the running sessions with one per metadata entry.
// Entries start concurrently and independently: each either connects
// and is exposed, or fails and is listed with its error. The returned
// error combines every entry failure and is nil when all connected.
//
// A nil map does nothing. Metadata that cannot be decoded stops all
// sessions and lists the servers file instead.
func (r *Registry) InitAll(ctx context.Context, metadata map[string]Metadata, onProgress ProgressFunc) ([]*mcp.Session, error) {
	if metadata == nil {
		r.logger.Info("no MCP servers to initialize")
		return nil, nil
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.last = metadata
	r.mu.Unlock()

	entries, err := plan(metadata)
	if err != nil {
		r.logger.Error("invalid MCP metadata", "error", err)
		if stopErr := r.stop(ctx); stopErr != nil {
			r.logger.Warn("error stopping MCP sessions", "error", stopErr)
		}
		r.fallback()
		return nil, fmt.Errorf("init MCP servers: %w", err)
	}

	if err := r.stop(ctx); err != nil {
		r.logger.Warn("error stopping MCP sessions", "error", err)
	}

	progress := func(name, message, status string) {
		r.opts.Bus.Emit(events.SourceRegistry, events.KindProgress, map[string]any{
			"name":    name,
			"message": message,
			"status":  status,
		})
		if onProgress != nil {
			onProgress(name, message, status)
		}
	}

	r.logger.Info("initializing MCP servers", "count", len(entries))
	start := time.Now()

	results := make([]result, len(entries))
	var g errgroup.Group
	if r.opts.Concurrency > 0 {
		g.SetLimit(r.opts.Concurrency)
	}
	for i, e := range entries {
		g.Go(func() error {
			results[i] = r.start(ctx, e, progress)
			return nil
		})
	}
	_ = g.Wait()

	var (
		errs     error
		sessions []*mcp.Session
		features = make([]mcp.FeatureDescriptor, 0, len(results))
	)
	for _, res := range results {
		if res.err != nil {
			errs = multierr.Append(errs, res.err)
		}
		if res.session != nil {
			res.descriptor = mcp.Expose(r.procs, res.session)
			sessions = append(sessions, res.session)
			r.watch(res.session)
		}
		features = append(features, res.descriptor)
	}

	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
	r.UpdateRegistry(features)

	r.logger.Info("MCP servers initialized",
		"connected", len(sessions),
		"failed", len(multierr.Errors(errs)),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return sessions, errs
}

// start resolves and connects one entry. It never returns early on
// another entry's behalf.
func (r *Registry) start(ctx context.Context, e entry, progress ProgressFunc) result {
	if e.kind != TypeStdioConfig && e.kind != TypeDXTManifest {
		r.logger.Debug("skipping MCP server with unknown metadata type",
			"mcp_server", e.name, "type", e.kind)
		return result{descriptor: mcp.FeatureDescriptor{Name: e.name, Status: mcp.StatusInactive}}
	}

	progress(e.name, "starting", StatusPending)

	cfg := e.config
	if e.manifest != nil {
		dir := filepath.Join(r.opts.BundleDir, e.name)
		resolved, err := r.opts.Resolver.Resolve(ctx, dir, e.manifest, e.userConfig)
		if err != nil {
			progress(e.name, err.Error(), StatusError)
			return result{
				descriptor: mcp.FailedDescriptor(e.name, nil, err),
				err:        fmt.Errorf("%s: %w", e.name, err),
			}
		}
		cfg = resolved
	}

	var handler mcp.ServerRequestHandler
	if r.opts.Bridge != nil {
		handler = r.opts.Bridge
	}
	s, err := r.opts.Connect(ctx, e.name, cfg, mcp.ConnectOptions{
		Handler:     handler,
		IdleTimeout: r.opts.IdleTimeout,
		OnStderr: func(line string) {
			progress(e.name, line, StatusPending)
		},
		Logger: r.logger,
	})
	if err != nil {
		r.logger.Warn("MCP server failed to start", "mcp_server", e.name, "error", err)
		progress(e.name, err.Error(), StatusError)
		return result{
			descriptor: mcp.FailedDescriptor(e.name, &cfg, err),
			err:        fmt.Errorf("%s: %w", e.name, err),
		}
	}

	progress(e.name, "connected", StatusSuccess)
	return result{session: s}
}

// watch starts a health watcher for s when health checks are enabled.
func (r *Registry) watch(s *mcp.Session) {
	if r.opts.HealthInterval <= 0 {
		return
	}
	name := s.Name
	r.health.Watch(context.Background(), connwatch.WatcherConfig{
		Name:     name,
		Ping:     s.Client.Ping,
		Schedule: connwatch.DefaultSchedule(r.opts.HealthInterval),
		OnDown: func(err error) {
			r.opts.Bus.Emit(events.SourceRegistry, events.KindProgress, map[string]any{
				"name":    name,
				"message": err.Error(),
				"status":  StatusError,
			})
		},
		OnRecover: func() {
			r.opts.Bus.Emit(events.SourceRegistry, events.KindProgress, map[string]any{
				"name":    name,
				"message": "responding again",
				"status":  StatusSuccess,
			})
		},
		Logger: r.logger,
	})
}

// StopAll disconnects every session, revokes every published entry
// point, abandons requests those servers were waiting on, and stops
// health watching. It is safe to call repeatedly.
func (r *Registry) StopAll(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.stop(ctx)
}

func (r *Registry) stop(ctx context.Context) error {
	r.health.Stop()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	var errs error
	for _, s := range sessions {
		if r.opts.Bridge != nil {
			if n := r.opts.Bridge.AbandonServer(s.Name); n > 0 {
				r.logger.Debug("abandoned pending requests", "mcp_server", s.Name, "count", n)
			}
		}
		if err := s.Client.Close(); err != nil && !errors.Is(err, mcp.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", s.Name, err))
		}
	}
	if n := r.procs.RevokeAll(); n > 0 || len(sessions) > 0 {
		r.logger.InfoContext(ctx, "stopped MCP sessions", "sessions", len(sessions), "entry_points", n)
	}
	return errs
}

// Deactivate stops every session and lists the configured servers as
// inactive.
func (r *Registry) Deactivate(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	err := r.stop(ctx)
	r.fallback()
	return err
}

// LoadConfigured lists the servers file as inactive descriptors without
// starting anything.
func (r *Registry) LoadConfigured() error {
	features, err := r.configured()
	if err != nil {
		return err
	}
	r.UpdateRegistry(features)
	return nil
}

// fallback lists the servers file, or nothing if it cannot be read.
func (r *Registry) fallback() {
	features, err := r.configured()
	if err != nil {
		r.logger.Error("failed to load MCP servers file", "path", r.opts.ServersFile, "error", err)
		features = nil
	}
	r.UpdateRegistry(features)
}

func (r *Registry) configured() ([]mcp.FeatureDescriptor, error) {
	servers, err := LoadServersFile(r.opts.ServersFile)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	features := make([]mcp.FeatureDescriptor, 0, len(names))
	for _, name := range names {
		cfg := servers[name]
		features = append(features, mcp.InactiveDescriptor(name, &cfg))
	}
	return features, nil
}

// ServersFile is the on-disk list of configured servers.
type ServersFile struct {
	MCPServers map[string]mcp.ServerConfig `json:"mcpServers"`
}

// LoadServersFile reads the servers file at path. A file without an
// mcpServers key yields an empty map.
func LoadServersFile(path string) (map[string]mcp.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	var f ServersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	if f.MCPServers == nil {
		f.MCPServers = map[string]mcp.ServerConfig{}
	}
	return f.MCPServers, nil
}

// StdioMetadata turns a servers file into InitAll metadata.
func StdioMetadata(servers map[string]mcp.ServerConfig) (map[string]Metadata, error) {
	md := make(map[string]Metadata, len(servers))
	for name, cfg := range servers {
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		md[name] = Metadata{Type: TypeStdioConfig, Config: data}
	}
	return md, nil
}

// UpdateRegistry replaces the published descriptor set and announces
// it.
func (r *Registry) UpdateRegistry(features []mcp.FeatureDescriptor) {
	next := make([]mcp.FeatureDescriptor, len(features))
	copy(next, features)

	r.mu.Lock()
	r.features = next
	r.mu.Unlock()

	r.opts.Bus.Emit(events.SourceRegistry, events.KindFeatures, map[string]any{
		"features": next,
	})
}

// Features returns the current descriptor set.
func (r *Registry) Features() []mcp.FeatureDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]mcp.FeatureDescriptor(nil), r.features...)
}

// Sessions returns the connected sessions.
func (r *Registry) Sessions() []*mcp.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*mcp.Session(nil), r.sessions...)
}

// LastMetadata returns the metadata of the most recent InitAll, or nil.
func (r *Registry) LastMetadata() map[string]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Reload runs InitAll again with the last metadata, taking stdio
// entries fresh from the servers file. Bundle entries keep the user
// settings they were last started with.
func (r *Registry) Reload(ctx context.Context, onProgress ProgressFunc) ([]*mcp.Session, error) {
	servers, err := LoadServersFile(r.opts.ServersFile)
	if err != nil {
		return nil, err
	}
	md, err := StdioMetadata(servers)
	if err != nil {
		return nil, err
	}
	for name, m := range r.LastMetadata() {
		if m.Type == TypeStdioConfig {
			continue
		}
		if _, ok := md[name]; !ok {
			md[name] = m
		}
	}
	return r.InitAll(ctx, md, onProgress)
}

// Invoke calls a published entry point by name.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage) (any, error) {
	return r.procs.Invoke(ctx, name, params)
}

// Health returns the watcher status of every connected session. It is
// empty when health checks are disabled.
func (r *Registry) Health() map[string]connwatch.Status {
	return r.health.Status()
}

// Close stops every session.
func (r *Registry) Close() error {
	return r.StopAll(context.Background())
}
