package uiserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/mcpdesk/internal/chat"
	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/history"
	"github.com/nugget/mcpdesk/internal/host"
	"github.com/nugget/mcpdesk/internal/llm"
	"github.com/nugget/mcpdesk/internal/mcp"
	"github.com/nugget/mcpdesk/internal/mcp/mcptest"
	"github.com/nugget/mcpdesk/internal/relay"
)

type testEnv struct {
	bus   *events.Bus
	reg   *host.Registry
	relay *relay.Relay
	store *history.Store
	http  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := events.New()
	rl := relay.New(relay.Options{Bus: bus})
	reg := host.New(host.Options{
		Bus:    bus,
		Bridge: rl,
		Connect: func(ctx context.Context, name string, _ mcp.ServerConfig, opts mcp.ConnectOptions) (*mcp.Session, error) {
			srv := &mcptest.Server{Tools: []mcp.Tool{{Name: "echo"}}}
			return mcptest.Connect(ctx, name, srv, opts.Handler)
		},
	})
	t.Cleanup(func() { _ = reg.Close() })

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := history.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	loop := chat.New(chat.Config{
		Engine:   llm.NewEngine(nil, nil, bus, nil),
		Features: reg,
		Store:    store,
		Bus:      bus,
	})

	srv := New(Options{Registry: reg, Relay: rl, Loop: loop, History: store, BundleDir: t.TempDir(), Bus: bus})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{bus: bus, reg: reg, relay: rl, store: store, http: ts}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// incoming is either a Reply or a Push.
type incoming struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ReplyError     `json:"error"`
	Event  *events.Event   `json:"event"`
}

func read(t *testing.T, c *websocket.Conn) incoming {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var in incoming
	if err := c.ReadJSON(&in); err != nil {
		t.Fatalf("read: %v", err)
	}
	return in
}

// call sends one frame and waits for its reply, skipping pushes.
func call(t *testing.T, c *websocket.Conn, id int, method string, params any) incoming {
	t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteJSON(Frame{ID: json.RawMessage(fmt.Sprint(id)), Method: method, Params: data}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		in := read(t, c)
		if in.Event == nil && string(in.ID) == fmt.Sprint(id) {
			return in
		}
	}
}

func TestWS_InitAndInvoke(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	cfg, _ := json.Marshal(mcp.ServerConfig{Command: "echo-server"})
	reply := call(t, c, 1, "mcp.init", map[string]any{
		"metadata": map[string]host.Metadata{"echo": {Type: host.TypeStdioConfig, Config: cfg}},
	})
	if reply.Error != nil {
		t.Fatalf("mcp.init error: %s", reply.Error.Message)
	}
	var res initResult
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 1 || res.Features[0].Status != mcp.StatusActive || len(res.Errors) != 0 {
		t.Fatalf("mcp.init result = %+v", res)
	}

	reply = call(t, c, 2, "mcp.invoke", map[string]any{
		"name":   "echo-tools/call",
		"params": map[string]any{"name": "echo", "arguments": map[string]any{"text": "ping"}},
	})
	if reply.Error != nil {
		t.Fatalf("mcp.invoke error: %s", reply.Error.Message)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(reply.Result, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "ping" {
		t.Errorf("mcp.invoke result = %s", reply.Result)
	}

	reply = call(t, c, 3, "mcp.invoke", map[string]any{"name": "nobody-tools/call"})
	if reply.Error == nil || !strings.Contains(reply.Error.Message, "unknown remote procedure") {
		t.Errorf("invoke of unknown name = %+v", reply)
	}
}

func TestWS_PushesEvents(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	// The subscription exists once a round trip has completed.
	call(t, c, 1, "mcp.features", nil)
	env.bus.Emit(events.SourceHost, events.KindReload, map[string]any{"path": "mcp.json"})

	for {
		in := read(t, c)
		if in.Event != nil && in.Event.Kind == events.KindReload {
			if in.Event.Data["path"] != "mcp.json" {
				t.Errorf("event data = %v", in.Event.Data)
			}
			return
		}
	}
}

func TestWS_UnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	reply := call(t, c, 7, "mcp.explode", nil)
	if reply.Error == nil || !strings.Contains(reply.Error.Message, "unknown method") {
		t.Errorf("reply = %+v, want unknown method error", reply)
	}
}

func TestWS_ReplyUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	reply := call(t, c, 1, "mcp.reply", map[string]any{"channel": "msgSamplingTransferResult-nope", "payload": nil})
	if reply.Error == nil {
		t.Error("reply to unknown channel succeeded")
	}
}

func TestWS_ReplyResolvesSampling(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	call(t, c, 1, "mcp.pending", nil)

	done := make(chan *mcp.CreateMessageResult, 1)
	go func() {
		res, err := env.relay.CreateMessage(context.Background(), "srv", &mcp.CreateMessageParams{MaxTokens: 8})
		if err != nil {
			t.Errorf("CreateMessage: %v", err)
		}
		done <- res
	}()

	var channel string
	for channel == "" {
		in := read(t, c)
		if in.Event != nil && in.Event.Kind == events.KindSampling {
			channel, _ = in.Event.Data["channel"].(string)
		}
	}

	reply := call(t, c, 2, "mcp.reply", map[string]any{
		"channel": channel,
		"payload": map[string]any{
			"role":    "assistant",
			"content": map[string]any{"type": "text", "text": "hello"},
			"model":   "ui",
		},
	})
	if reply.Error != nil {
		t.Fatalf("mcp.reply: %s", reply.Error.Message)
	}
	select {
	case res := <-done:
		if res == nil || res.Content.Text != "hello" {
			t.Errorf("sampling result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sampling request not resolved")
	}
}

func TestWS_History(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	rec := history.Record{ID: "2026/1/2 03:04:05 UTC abc", Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("hi")}}}
	if err := env.store.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	reply := call(t, c, 1, "history.list", nil)
	var recs []history.Record
	if err := json.Unmarshal(reply.Result, &recs); err != nil {
		t.Fatalf("history.list: %v (%s)", err, reply.Result)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("history.list = %+v", recs)
	}

	reply = call(t, c, 2, "history.delete", map[string]any{"id": rec.ID})
	if reply.Error != nil {
		t.Fatalf("history.delete: %s", reply.Error.Message)
	}
	reply = call(t, c, 3, "history.list", nil)
	if string(reply.Result) != "[]" {
		t.Errorf("history.list after delete = %s", reply.Result)
	}
}

func TestWS_Manifests(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	reply := call(t, c, 1, "mcp.manifests", nil)
	if reply.Error != nil || string(reply.Result) != "[]" {
		t.Errorf("mcp.manifests = %+v", reply)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if _, ok := body["build"].(map[string]any); !ok {
		t.Errorf("build info missing: %v", body)
	}
}

func TestHistoryExport(t *testing.T) {
	env := newTestEnv(t)
	rec := history.Record{ID: "2026/1/2 03:04:05 UTC xyz", Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.Text("saved")}}}
	if err := env.store.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{"all", "/history/export", http.StatusOK, `"id": "2026/1/2 03:04:05 UTC xyz"`},
		{"one", "/history/export/2026/1/2 03:04:05 UTC xyz", http.StatusOK, `"saved"`},
		{"missing", "/history/export/nope", http.StatusNotFound, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.http.URL, nil)
			if err != nil {
				t.Fatal(err)
			}
			req.URL.Path = tt.path
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var sb bytes.Buffer
			if _, err := sb.ReadFrom(resp.Body); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(sb.String(), tt.want) {
				t.Errorf("body = %s, want %q", sb.String(), tt.want)
			}
		})
	}
}
