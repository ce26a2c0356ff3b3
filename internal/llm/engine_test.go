package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/mcpdesk/internal/events"
)

func testProvider(url string) Provider {
	p := DefaultProvider()
	p.Name = "test"
	p.URL = url
	p.Model = "test-model"
	return p
}

func newTestEngine(bus *events.Bus) *Engine {
	return NewEngine(http.DefaultClient, NewGenerations(nil), bus, nil)
}

func sseHandler(t *testing.T, lines []string, capture *map[string]any, headers *http.Header) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if headers != nil {
			*headers = r.Header.Clone()
		}
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, capture); err != nil {
				t.Errorf("request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprint(w, line)
			f.Flush()
		}
	}
}

func TestEngine_RunStream(t *testing.T) {
	var body map[string]any
	var hdr http.Header
	srv := httptest.NewServer(sseHandler(t, []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"<think>hm\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"</think>Hel\"}}]}\n",
		"\ndata: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"c1\",\"type\":\"function\",\"function\":{\"name\":\"echo\",\"arguments\":\"{\\\"a\\\":1}\"}}]}}]}\n\n",
		"data: [DONE]\n\n",
	}, &body, &hdr))
	defer srv.Close()

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	p := testProvider(srv.URL)
	p.APIKey = "secret"
	temp := "0.5"
	p.Temperature = temp
	p.MaxTokensValue = "128"

	prompt := []Message{
		{Role: RoleUser, Content: Text("hi")},
		{Role: RoleAssistant, Content: Text("earlier"), ReasoningContent: "private"},
		{Role: RoleUser, Content: Text("again")},
	}
	target := NewConversation(prompt)
	e := newTestEngine(bus)

	outcome, err := e.Run(context.Background(), RunRequest{
		SessionID:    "s1",
		Provider:     p,
		Messages:     prompt,
		Target:       target,
		SystemPrompt: "be brief",
		Tools:        []Tool{{Type: "function", Function: ToolFunction{Name: "srv-echo"}}},
	})
	if err != nil || outcome != OutcomeDone {
		t.Fatalf("Run = %v, %v; want done", outcome, err)
	}

	last, _ := target.Last()
	if last.Content.String() != "Hello" {
		t.Errorf("content = %q, want Hello", last.Content.String())
	}
	if last.ReasoningContent != "hm" {
		t.Errorf("reasoning = %q, want hm", last.ReasoningContent)
	}
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("tool calls = %+v", last.ToolCalls)
	}
	if target.Len() != 4 {
		t.Errorf("target len = %d, want 4", target.Len())
	}
	if e.Generations().Active("s1") {
		t.Error("handle should be released after done")
	}

	if got := hdr.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := hdr.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	if body["model"] != "test-model" || body["stream"] != true {
		t.Errorf("body base fields = %v", body)
	}
	if body["max_tokens"] != float64(128) || body["temperature"] != 0.5 {
		t.Errorf("body limits = %v, %v", body["max_tokens"], body["temperature"])
	}
	if _, ok := body["tools"]; !ok {
		t.Error("tools missing from body")
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (system + 3)", len(msgs))
	}
	if sys := msgs[0].(map[string]any); sys["role"] != "system" || sys["content"] != "be brief" {
		t.Errorf("system message = %v", sys)
	}
	if _, ok := msgs[2].(map[string]any)["reasoning_content"]; ok {
		t.Error("reasoning_content should be stripped from the request")
	}

	deltas := 0
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.KindDelta && ev.Data["session_id"] == "s1" {
				deltas++
			}
			continue
		default:
		}
		break
	}
	if deltas < 4 {
		t.Errorf("delta events = %d, want at least 4", deltas)
	}
}

func TestEngine_RunNonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"whole answer"}}]}`)
	}))
	defer srv.Close()

	p := testProvider(srv.URL)
	p.Stream = false
	target := NewConversation(nil)

	outcome, err := newTestEngine(nil).Run(context.Background(), RunRequest{
		SessionID: "s", Provider: p, Target: target,
	})
	if err != nil || outcome != OutcomeDone {
		t.Fatalf("Run = %v, %v", outcome, err)
	}
	last, _ := target.Last()
	if last.Content.String() != "whole answer" {
		t.Errorf("content = %q", last.Content.String())
	}
}

func TestEngine_ResidualLineAtEOF(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}",
	}, nil, nil))
	defer srv.Close()

	target := NewConversation(nil)
	if _, err := newTestEngine(nil).Run(context.Background(), RunRequest{
		SessionID: "s", Provider: testProvider(srv.URL), Target: target,
	}); err != nil {
		t.Fatal(err)
	}
	last, _ := target.Last()
	if last.Content.String() != "ab" {
		t.Errorf("content = %q, want ab", last.Content.String())
	}
}

func TestEngine_RunErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"openai error", 401, `{"error":{"message":"bad key"}}`, "401: bad key"},
		{"detail with loc", 422, `{"detail":[{"loc":["body","model"],"msg":"field required"}]}`, "422 - body,model: field required"},
		{"detail without loc", 400, `{"detail":[{"msg":"nope"}]}`, "400: nope"},
		{"plain body", 500, `upstream exploded`, "500: Internal Server Error "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			target := NewConversation([]Message{{Role: RoleUser, Content: Text("q")}})
			outcome, err := newTestEngine(nil).Run(context.Background(), RunRequest{
				SessionID: "s", Provider: testProvider(srv.URL), Target: target,
			})
			if outcome != OutcomeError {
				t.Fatalf("outcome = %v, want error", outcome)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Fatalf("err = %v, want *StatusError %d", err, tt.status)
			}
			if !strings.HasPrefix(se.Message, tt.want) {
				t.Errorf("message = %q, want prefix %q", se.Message, tt.want)
			}
			if target.Len() != 1 {
				t.Errorf("target len = %d, nothing should be appended", target.Len())
			}
		})
	}
}

func TestEngine_InvalidProviderNumbers(t *testing.T) {
	p := testProvider("http://127.0.0.1:1")
	p.MaxTokensValue = "lots"
	outcome, err := newTestEngine(nil).Run(context.Background(), RunRequest{
		SessionID: "s", Provider: p, Target: NewConversation(nil),
	})
	if outcome != OutcomeError || err == nil {
		t.Errorf("Run = %v, %v; want error", outcome, err)
	}
}

func TestEngine_StopAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	e := newTestEngine(bus)
	target := NewConversation(nil)
	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := e.Run(context.Background(), RunRequest{
			SessionID: "s", Provider: testProvider(srv.URL), Target: target,
		})
		done <- result{o, err}
	}()

	select {
	case <-sub:
	case <-time.After(5 * time.Second):
		t.Fatal("no delta before timeout")
	}
	if !e.Generations().Delete("s") {
		t.Fatal("expected a live generation")
	}

	select {
	case r := <-done:
		if r.outcome != OutcomeAborted || r.err != nil {
			t.Errorf("Run = %v, %v; want aborted", r.outcome, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	last, _ := target.Last()
	if last.Content.String() != "partial" {
		t.Errorf("partial content = %q", last.Content.String())
	}
}

func TestBuildBody(t *testing.T) {
	zero, two := 0, 2
	temp := 0.2

	tests := []struct {
		name  string
		req   RunRequest
		check func(t *testing.T, body map[string]any)
	}{
		{
			name: "thinking disabled",
			req:  RunRequest{Provider: Provider{Model: "m", ReasoningEffort: &zero}},
			check: func(t *testing.T, body map[string]any) {
				kw, ok := body["chat_template_kwargs"].(map[string]any)
				if !ok || kw["enable_thinking"] != false {
					t.Errorf("chat_template_kwargs = %v", body["chat_template_kwargs"])
				}
				if _, ok := body["reasoning_effort"]; ok {
					t.Error("reasoning_effort should be absent")
				}
			},
		},
		{
			name: "reasoning effort",
			req:  RunRequest{Provider: Provider{Model: "m", ReasoningEffort: &two}},
			check: func(t *testing.T, body map[string]any) {
				if body["reasoning_effort"] != "low" {
					t.Errorf("reasoning_effort = %v, want low", body["reasoning_effort"])
				}
			},
		},
		{
			name: "tools need mcp",
			req: RunRequest{
				Provider: Provider{Model: "m", MCP: false},
				Tools:    []Tool{{Type: "function", Function: ToolFunction{Name: "x"}}},
			},
			check: func(t *testing.T, body map[string]any) {
				if _, ok := body["tools"]; ok {
					t.Error("tools sent with MCP disabled")
				}
			},
		},
		{
			name: "sampling overrides",
			req: RunRequest{
				Provider:     Provider{Model: "m", MaxTokensField: "max_completion_tokens", Temperature: "0.9", MCP: true},
				SystemPrompt: "chat prompt",
				Messages:     []Message{{Role: RoleUser, Content: Text("q")}},
				Tools:        []Tool{{Type: "function", Function: ToolFunction{Name: "x"}}},
				Sampling:     &SamplingOverrides{SystemPrompt: "sampler", Temperature: &temp, MaxTokens: 50},
			},
			check: func(t *testing.T, body map[string]any) {
				if body["temperature"] != 0.2 || body["max_completion_tokens"] != float64(50) {
					t.Errorf("overrides = %v, %v", body["temperature"], body["max_completion_tokens"])
				}
				if _, ok := body["tools"]; ok {
					t.Error("tools sent in sampling mode")
				}
				msgs := body["messages"].([]any)
				if msgs[0].(map[string]any)["content"] != "sampler" {
					t.Errorf("system prompt = %v", msgs[0])
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := buildBody(tt.req)
			if err != nil {
				t.Fatalf("buildBody: %v", err)
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatal(err)
			}
			tt.check(t, body)
		})
	}
}

func TestSetHeaders_APIKeyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	p := DefaultProvider()
	p.APIKey = "k"
	p.Authorization = false
	setHeaders(r, p)
	if r.Header.Get("x-api-key") != "k" || r.Header.Get("Authorization") != "" {
		t.Errorf("headers = %v", r.Header)
	}
}

func TestEngine_PreparedTokenStopped(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	e := newTestEngine(nil)
	token := e.Generations().Prepare("s")
	e.Generations().Delete("s")

	target := NewConversation(nil)
	outcome, err := e.Run(context.Background(), RunRequest{
		SessionID: "s", Provider: testProvider(srv.URL), Target: target, Token: token,
	})
	if outcome != OutcomeAborted || err != nil {
		t.Errorf("Run = %v, %v; want aborted", outcome, err)
	}
	if requests.Load() != 0 || target.Len() != 0 {
		t.Errorf("requests = %d, messages = %d; want none", requests.Load(), target.Len())
	}
}

func TestEngine_PreparedTokenKeptOnDone(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n",
	}, nil, nil))
	defer srv.Close()

	e := newTestEngine(nil)
	token := e.Generations().Prepare("s")
	outcome, err := e.Run(context.Background(), RunRequest{
		SessionID: "s", Provider: testProvider(srv.URL), Target: NewConversation(nil), Token: token,
	})
	if outcome != OutcomeDone || err != nil {
		t.Fatalf("Run = %v, %v", outcome, err)
	}
	if !e.Generations().Current("s", token) {
		t.Error("a caller-held handle should survive a finished run")
	}
}

func TestEngine_ConversationEditedDuringStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			return
		case <-release:
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
	}))
	defer srv.Close()

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	e := newTestEngine(bus)
	target := NewConversation([]Message{{Role: RoleUser, Content: Text("q")}})
	done := make(chan Outcome, 1)
	go func() {
		o, _ := e.Run(context.Background(), RunRequest{
			SessionID: "s", Provider: testProvider(srv.URL), Target: target,
		})
		done <- o
	}()

	select {
	case <-sub:
	case <-time.After(5 * time.Second):
		t.Fatal("no delta before timeout")
	}
	target.Append(Message{Role: RoleUser, Content: Text("typed while streaming")})
	close(release)

	select {
	case o := <-done:
		if o != OutcomeDone {
			t.Fatalf("outcome = %v", o)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}

	got := target.Messages()
	if len(got) != 3 {
		t.Fatalf("messages = %+v", got)
	}
	if got[1].Role != RoleAssistant || got[1].Content.String() != "Hello" {
		t.Errorf("assistant = %+v, want Hello", got[1])
	}
	if got[2].Role != RoleUser || got[2].Content.String() != "typed while streaming" {
		t.Errorf("user message overwritten: %+v", got[2])
	}
}
