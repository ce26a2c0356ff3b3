package host

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/nugget/mcpdesk/internal/bundle"
	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/mcp"
	"github.com/nugget/mcpdesk/internal/mcp/mcptest"
	"github.com/nugget/mcpdesk/internal/procs"
)

// fakeFleet hands out in-process servers by name and records what
// InitAll asked for.
type fakeFleet struct {
	mu      sync.Mutex
	servers map[string]*mcptest.Server
	fail    map[string]error
	configs map[string]mcp.ServerConfig
	active  int
	peak    int
	delay   time.Duration
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		servers: make(map[string]*mcptest.Server),
		fail:    make(map[string]error),
		configs: make(map[string]mcp.ServerConfig),
	}
}

func (f *fakeFleet) server(name string) *mcptest.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[name]
	if !ok {
		s = &mcptest.Server{Tools: []mcp.Tool{{Name: name + "_tool"}}}
		f.servers[name] = s
	}
	return s
}

func (f *fakeFleet) connect(ctx context.Context, name string, cfg mcp.ServerConfig, opts mcp.ConnectOptions) (*mcp.Session, error) {
	f.mu.Lock()
	f.configs[name] = cfg
	f.active++
	f.peak = max(f.peak, f.active)
	err := f.fail[name]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return mcptest.Connect(ctx, name, f.server(name), opts.Handler)
}

type fakeBridge struct {
	mu        sync.Mutex
	abandoned []string
}

func (b *fakeBridge) CreateMessage(context.Context, string, *mcp.CreateMessageParams) (*mcp.CreateMessageResult, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBridge) Elicit(context.Context, string, *mcp.ElicitParams) (*mcp.ElicitResult, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBridge) AbandonServer(server string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abandoned = append(b.abandoned, server)
	return 0
}

func stdio(t *testing.T, cfg mcp.ServerConfig) Metadata {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return Metadata{Type: TypeStdioConfig, Config: data}
}

func writeServersFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "mcp.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRegistry(t *testing.T, fleet *fakeFleet, opts Options) *Registry {
	t.Helper()
	opts.Connect = fleet.connect
	r := New(opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestInitAll_IsolatesFailures(t *testing.T) {
	fleet := newFakeFleet()
	fleet.fail["broken"] = errors.New("spawn failed")
	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	r := newTestRegistry(t, fleet, Options{Bus: bus})

	var (
		mu       sync.Mutex
		statuses = make(map[string][]string)
	)
	sessions, err := r.InitAll(context.Background(), map[string]Metadata{
		"alpha":  stdio(t, mcp.ServerConfig{Command: "alpha"}),
		"broken": stdio(t, mcp.ServerConfig{Command: "broken"}),
		"gamma":  stdio(t, mcp.ServerConfig{Command: "gamma"}),
	}, func(name, _, status string) {
		mu.Lock()
		defer mu.Unlock()
		statuses[name] = append(statuses[name], status)
	})

	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	errs := multierr.Errors(err)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "broken") {
		t.Fatalf("InitAll error = %v, want one error naming broken", err)
	}

	features := r.Features()
	if len(features) != 3 {
		t.Fatalf("got %d features, want 3", len(features))
	}
	byName := make(map[string]mcp.FeatureDescriptor)
	for _, f := range features {
		byName[f.Name] = f
	}
	if got := byName["broken"]; got.Status != mcp.StatusFailed || got.Error == "" || got.Config == nil {
		t.Errorf("broken descriptor = %+v, want failed with error and config", got)
	}
	for _, name := range []string{"alpha", "gamma"} {
		d := byName[name]
		if d.Status != mcp.StatusActive {
			t.Errorf("%s status = %q, want active", name, d.Status)
		}
		ep, ok := d.EntryPoint(mcp.CapabilityTools, "call")
		if !ok || ep != name+"-tools/call" {
			t.Errorf("%s tools/call entry point = %q, %v", name, ep, ok)
		}
		if !r.Procs().Has(ep) {
			t.Errorf("%s not published", ep)
		}
	}

	mu.Lock()
	if got := statuses["broken"]; len(got) != 2 || got[0] != StatusPending || got[1] != StatusError {
		t.Errorf("broken progress = %v", got)
	}
	if got := statuses["alpha"]; len(got) != 2 || got[1] != StatusSuccess {
		t.Errorf("alpha progress = %v", got)
	}
	mu.Unlock()

	// Six progress events plus one features event.
	var progress, featureEvents int
	for range 7 {
		select {
		case e := <-sub:
			switch e.Kind {
			case events.KindProgress:
				progress++
			case events.KindFeatures:
				featureEvents++
			}
		case <-time.After(time.Second):
			t.Fatalf("missing events: progress=%d features=%d", progress, featureEvents)
		}
	}
	if progress != 6 || featureEvents != 1 {
		t.Errorf("progress=%d features=%d, want 6 and 1", progress, featureEvents)
	}
}

func TestInitAll_InvokeEntryPoint(t *testing.T) {
	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{})

	if _, err := r.InitAll(context.Background(), map[string]Metadata{
		"echo": stdio(t, mcp.ServerConfig{Command: "echo"}),
	}, nil); err != nil {
		t.Fatalf("InitAll: %v", err)
	}

	got, err := r.Invoke(context.Background(), "echo-tools/call",
		json.RawMessage(`{"name":"echo_tool","arguments":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	res, ok := got.(*mcp.CallToolResult)
	if !ok || len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Errorf("Invoke = %#v", got)
	}
}

func TestInitAll_NilMetadata(t *testing.T) {
	r := newTestRegistry(t, newFakeFleet(), Options{})
	sessions, err := r.InitAll(context.Background(), nil, nil)
	if sessions != nil || err != nil {
		t.Errorf("InitAll(nil) = %v, %v", sessions, err)
	}
}

func TestInitAll_ReplacesPreviousSessions(t *testing.T) {
	fleet := newFakeFleet()
	bridge := &fakeBridge{}
	r := newTestRegistry(t, fleet, Options{Bridge: bridge})
	ctx := context.Background()

	if _, err := r.InitAll(ctx, map[string]Metadata{"old": stdio(t, mcp.ServerConfig{Command: "old"})}, nil); err != nil {
		t.Fatal(err)
	}
	old := fleet.server("old")

	if _, err := r.InitAll(ctx, map[string]Metadata{"new": stdio(t, mcp.ServerConfig{Command: "new"})}, nil); err != nil {
		t.Fatal(err)
	}

	if old.Closed() != 1 {
		t.Errorf("old server closed %d times, want 1", old.Closed())
	}
	if r.Procs().Has("old-tools/list") {
		t.Error("old entry points still published")
	}
	if !r.Procs().Has("new-tools/list") {
		t.Error("new entry points missing")
	}
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.abandoned) != 1 || bridge.abandoned[0] != "old" {
		t.Errorf("abandoned = %v, want [old]", bridge.abandoned)
	}
}

func TestInitAll_MalformedFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := writeServersFile(t, dir, `{"mcpServers":{"files":{"command":"npx","args":["server-files"]}}}`)

	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{ServersFile: path})
	ctx := context.Background()

	if _, err := r.InitAll(ctx, map[string]Metadata{"live": stdio(t, mcp.ServerConfig{Command: "live"})}, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.InitAll(ctx, map[string]Metadata{
		"good": stdio(t, mcp.ServerConfig{Command: "good"}),
		"bad":  {Type: TypeStdioConfig, Config: json.RawMessage(`[1,2`)},
	}, nil)
	if err == nil {
		t.Fatal("InitAll accepted malformed metadata")
	}

	if fleet.server("live").Closed() != 1 {
		t.Error("previous session not stopped")
	}
	if len(r.Sessions()) != 0 {
		t.Errorf("sessions = %d, want 0", len(r.Sessions()))
	}
	features := r.Features()
	if len(features) != 1 || features[0].Name != "files" || features[0].Status != mcp.StatusInactive {
		t.Fatalf("features = %+v, want inactive files", features)
	}
	if features[0].Config == nil || features[0].Config.Command != "npx" {
		t.Errorf("fallback config = %+v", features[0].Config)
	}
	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	if _, ok := fleet.configs["good"]; ok {
		t.Error("valid entry started from a malformed batch")
	}
}

func TestInitAll_UnknownTypeIsNameOnly(t *testing.T) {
	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{})

	sessions, err := r.InitAll(context.Background(), map[string]Metadata{
		"mystery": {Type: "metadata__something_else"},
	}, nil)
	if err != nil || len(sessions) != 0 {
		t.Fatalf("InitAll = %v, %v", sessions, err)
	}
	features := r.Features()
	if len(features) != 1 {
		t.Fatalf("features = %+v", features)
	}
	d := features[0]
	if d.Name != "mystery" || d.Config != nil || d.Tools != nil {
		t.Errorf("descriptor = %+v, want name only", d)
	}
	if _, ok := d.EntryPoint(mcp.CapabilityTools, "call"); ok {
		t.Error("name-only descriptor has entry points")
	}
}

func TestInitAll_ResolvesBundles(t *testing.T) {
	bundleDir := t.TempDir()
	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{
		BundleDir: bundleDir,
		Resolver:  &bundle.ManifestResolver{Separator: "/"},
	})

	manifest := `{
		"name": "notes",
		"server": {
			"type": "node",
			"mcp_config": {
				"command": "node",
				"args": ["${__dirname}/server.js", "${user_config.root}"]
			}
		},
		"user_config": {"root": {"type": "directory", "required": true}}
	}`
	_, err := r.InitAll(context.Background(), map[string]Metadata{
		"notes": {
			Type:       TypeDXTManifest,
			Config:     json.RawMessage(manifest),
			UserConfig: map[string]any{"root": "/srv/notes"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("InitAll: %v", err)
	}

	fleet.mu.Lock()
	cfg := fleet.configs["notes"]
	fleet.mu.Unlock()
	want := []string{filepath.Join(bundleDir, "notes") + "/server.js", "/srv/notes"}
	if cfg.Command != "node" || len(cfg.Args) != 2 || cfg.Args[0] != want[0] || cfg.Args[1] != want[1] {
		t.Errorf("resolved config = %+v, want node %v", cfg, want)
	}
}

func TestInitAll_BundleResolveFailure(t *testing.T) {
	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{BundleDir: t.TempDir()})

	manifest := `{"name":"needy","server":{"mcp_config":{"command":"node","args":["${user_config.key}"]}},
		"user_config":{"key":{"type":"string","required":true}}}`
	_, err := r.InitAll(context.Background(), map[string]Metadata{
		"needy": {Type: TypeDXTManifest, Config: json.RawMessage(manifest)},
	}, nil)
	if err == nil {
		t.Fatal("InitAll succeeded without a required user_config value")
	}
	features := r.Features()
	if len(features) != 1 || features[0].Status != mcp.StatusFailed {
		t.Errorf("features = %+v, want one failed", features)
	}
	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	if _, ok := fleet.configs["needy"]; ok {
		t.Error("unresolvable bundle was started")
	}
}

func TestInitAll_ConcurrencyLimit(t *testing.T) {
	fleet := newFakeFleet()
	fleet.delay = 50 * time.Millisecond
	r := newTestRegistry(t, fleet, Options{Concurrency: 2})

	md := make(map[string]Metadata)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		md[name] = stdio(t, mcp.ServerConfig{Command: name})
	}
	sessions, err := r.InitAll(context.Background(), md, nil)
	if err != nil || len(sessions) != 5 {
		t.Fatalf("InitAll = %d sessions, %v", len(sessions), err)
	}
	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	if fleet.peak > 2 {
		t.Errorf("peak concurrent connects = %d, want <= 2", fleet.peak)
	}
}

func TestStopAll_Idempotent(t *testing.T) {
	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{})
	ctx := context.Background()

	if _, err := r.InitAll(ctx, map[string]Metadata{"one": stdio(t, mcp.ServerConfig{Command: "one"})}, nil); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := r.StopAll(ctx); err != nil {
			t.Fatalf("StopAll: %v", err)
		}
	}
	if got := fleet.server("one").Closed(); got != 1 {
		t.Errorf("closed %d times, want 1", got)
	}
	if names := r.Procs().Names(); len(names) != 0 {
		t.Errorf("entry points left after StopAll: %v", names)
	}
	if _, err := r.Invoke(ctx, "one-tools/list", nil); !errors.Is(err, procs.ErrUnknownProcedure) {
		t.Errorf("Invoke after StopAll = %v, want ErrUnknownProcedure", err)
	}
}

func TestStopAll_Empty(t *testing.T) {
	r := newTestRegistry(t, newFakeFleet(), Options{})
	if err := r.StopAll(context.Background()); err != nil {
		t.Errorf("StopAll on empty registry: %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	dir := t.TempDir()
	path := writeServersFile(t, dir, `{"mcpServers":{"b":{"command":"b"},"a":{"url":"http://localhost:9/mcp"}}}`)
	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{ServersFile: path})
	ctx := context.Background()

	if _, err := r.InitAll(ctx, map[string]Metadata{"a": stdio(t, mcp.ServerConfig{Command: "a"})}, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Deactivate(ctx); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	features := r.Features()
	if len(features) != 2 || features[0].Name != "a" || features[1].Name != "b" {
		t.Fatalf("features = %+v, want inactive a, b", features)
	}
	for _, f := range features {
		if f.Status != mcp.StatusInactive {
			t.Errorf("%s status = %q", f.Name, f.Status)
		}
	}
	if len(r.Sessions()) != 0 {
		t.Error("sessions survive Deactivate")
	}
}

func TestDeactivate_MissingServersFile(t *testing.T) {
	r := newTestRegistry(t, newFakeFleet(), Options{ServersFile: filepath.Join(t.TempDir(), "absent.json")})
	r.UpdateRegistry([]mcp.FeatureDescriptor{{Name: "stale"}})
	if err := r.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got := r.Features(); len(got) != 0 {
		t.Errorf("features = %+v, want empty", got)
	}
}

func TestLoadServersFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"servers", `{"mcpServers":{"a":{"command":"a"},"b":{"command":"b"}}}`, 2, false},
		{"missing key", `{"other":true}`, 0, false},
		{"invalid", `{`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeServersFile(t, dir, tt.content)
			got, err := LoadServersFile(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (got == nil || len(got) != tt.want) {
				t.Errorf("got %v, want %d servers", got, tt.want)
			}
		})
	}
}

func TestStdioMetadata(t *testing.T) {
	md, err := StdioMetadata(map[string]mcp.ServerConfig{"x": {Command: "run-x", Args: []string{"--fast"}}})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := plan(md)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].config.Command != "run-x" || entries[0].config.Args[0] != "--fast" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHealth_ReportsDown(t *testing.T) {
	fleet := newFakeFleet()
	bus := events.New()
	r := newTestRegistry(t, fleet, Options{Bus: bus, HealthInterval: 20 * time.Millisecond})

	if _, err := r.InitAll(context.Background(), map[string]Metadata{"flaky": stdio(t, mcp.ServerConfig{Command: "flaky"})}, nil); err != nil {
		t.Fatal(err)
	}
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	fleet.server("flaky").SetDown(errors.New("wedged"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Kind == events.KindProgress && e.Data["status"] == StatusError {
				if e.Data["name"] != "flaky" {
					t.Errorf("down event for %v", e.Data["name"])
				}
				if h := r.Health()["flaky"]; h.Healthy {
					t.Error("Health still reports healthy")
				}
				return
			}
		case <-deadline:
			t.Fatal("no down event")
		}
	}
}

func TestWatch_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeServersFile(t, dir, `{"mcpServers":{}}`)
	r := newTestRegistry(t, newFakeFleet(), Options{ServersFile: path, BundleDir: filepath.Join(dir, "bundles")})

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	changed := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, func(p string) {
			calls.Add(1)
			changed <- p
		})
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	for i := range 3 {
		content := `{"mcpServers":{"s":{"command":"v` + string(rune('0'+i)) + `"}}}`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-changed:
		if filepath.Clean(p) != filepath.Clean(path) {
			t.Errorf("onChange path = %q, want %q", p, path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onChange not called")
	}

	time.Sleep(2 * debounceTimeout)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("onChange called %d times, want 1", n)
	}
}

func TestReload_RefreshesStdioKeepsBundles(t *testing.T) {
	dir := t.TempDir()
	path := writeServersFile(t, dir, `{"mcpServers":{"one":{"command":"one"}}}`)
	fleet := newFakeFleet()
	r := newTestRegistry(t, fleet, Options{ServersFile: path, BundleDir: t.TempDir()})
	ctx := context.Background()

	manifest := `{"name":"b","server":{"mcp_config":{"command":"node"}}}`
	if _, err := r.InitAll(ctx, map[string]Metadata{
		"one":    stdio(t, mcp.ServerConfig{Command: "one"}),
		"bundle": {Type: TypeDXTManifest, Config: json.RawMessage(manifest)},
	}, nil); err != nil {
		t.Fatal(err)
	}

	writeServersFile(t, dir, `{"mcpServers":{"two":{"command":"two"}}}`)
	sessions, err := r.Reload(ctx, nil)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	var names []string
	for _, s := range sessions {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "bundle,two" {
		t.Errorf("sessions after reload = %v, want [bundle two]", names)
	}
}
