package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/httpkit"
)

// levelTrace matches config.LevelTrace; wire payloads are logged there.
const levelTrace = slog.Level(-8)

// Outcome is how a completion run ended.
type Outcome int

const (
	// OutcomeDone means the response body was read to the end.
	OutcomeDone Outcome = iota
	// OutcomeError means the request or the read failed.
	OutcomeError
	// OutcomeAborted means the generation was stopped or replaced.
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeError:
		return "error"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ToolFunction describes a callable function in OpenAI tool format.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool is one entry of a request's tools array.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// SamplingOverrides switches a run into sampling mode: the system
// prompt, temperature, and token limit come from a server's sampling
// request instead of the provider.
type SamplingOverrides struct {
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
}

// RunRequest is the input to [Engine.Run].
type RunRequest struct {
	// SessionID keys the generation handle.
	SessionID string
	Provider  Provider
	// Messages is the prompt. Target receives the streamed reply.
	Messages []Message
	Target   *Conversation
	// SystemPrompt is prepended in chat mode when non-empty.
	SystemPrompt string
	Tools        []Tool
	Sampling     *SamplingOverrides

	// Token, when non-zero, is a handle the caller already holds from
	// Generations.Prepare. The run streams under it and leaves it in
	// place on success; the caller releases it. With a zero Token the
	// run begins and releases its own handle.
	Token uint64
}

// StatusError is returned when the endpoint answers with a non-2xx
// status. Message is the user-facing text.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string { return e.Message }

// Engine streams chat completions into conversations.
type Engine struct {
	client *http.Client
	gens   *Generations
	bus    *events.Bus
	logger *slog.Logger
}

// NewEngine creates an engine. A nil client gets a streaming client
// with a two minute header timeout.
func NewEngine(client *http.Client, gens *Generations, bus *events.Bus, logger *slog.Logger) *Engine {
	if client == nil {
		client = httpkit.NewStreamingClient(2 * time.Minute)
	}
	if gens == nil {
		gens = NewGenerations(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client: client,
		gens:   gens,
		bus:    bus,
		logger: logger.With("component", "llm"),
	}
}

// Generations returns the engine's generation registry.
func (e *Engine) Generations() *Generations { return e.gens }

// Run issues one completion request and streams the reply into
// req.Target. The returned error is non-nil only with OutcomeError.
func (e *Engine) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	if req.Target == nil {
		return OutcomeError, errors.New("run: nil target conversation")
	}
	body, err := buildBody(req)
	if err != nil {
		return OutcomeError, err
	}

	var (
		runCtx context.Context
		token  = req.Token
	)
	if token == 0 {
		runCtx, token = e.gens.Begin(ctx, req.SessionID)
		defer e.gens.Release(req.SessionID, token)
	} else {
		var ok bool
		runCtx, ok = e.gens.Attach(ctx, req.SessionID, token)
		if !ok {
			return OutcomeAborted, nil
		}
	}

	p := req.Provider
	endpoint := p.Endpoint()
	method := p.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(runCtx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return OutcomeError, fmt.Errorf("build request: %w", err)
	}
	setHeaders(httpReq, p)

	log := e.logger.With("session_id", req.SessionID, "model", p.Model)
	log.Log(ctx, levelTrace, "chat request", "url", endpoint, "body", string(body))

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		if e.stopped(runCtx, req.SessionID, token) {
			return OutcomeAborted, nil
		}
		return OutcomeError, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(resp, endpoint)
		log.Warn("chat request failed", "status", resp.StatusCode, "error", msg)
		return OutcomeError, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	b := NewBuilder()
	index := req.Target.Append(b.Message())

	outcome, err := e.read(runCtx, req, token, resp.Body, b, index)
	msg := b.Message()
	log.Debug("chat response finished",
		"outcome", outcome.String(),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"content_len", len(msg.Content.String()),
		"reasoning_len", len(msg.ReasoningContent),
		"tool_calls", len(msg.ToolCalls),
	)
	return outcome, err
}

// read is the body loop. The generation handle is checked before
// every read so a stop takes effect at the next chunk boundary; the
// cancelled context unblocks a read already in progress.
func (e *Engine) read(ctx context.Context, req RunRequest, token uint64, body io.Reader, b *Builder, index int) (Outcome, error) {
	var (
		lines LineSplitter
		whole bytes.Buffer
		buf   = make([]byte, 32*1024)
	)
	for {
		if e.stopped(ctx, req.SessionID, token) {
			return OutcomeAborted, nil
		}
		n, err := body.Read(buf)
		if n > 0 {
			if req.Provider.Stream {
				for _, line := range lines.Push(string(buf[:n])) {
					e.applyLine(req, b, index, line)
				}
			} else {
				whole.Write(buf[:n])
			}
		}
		if err == io.EOF {
			if !e.gens.Current(req.SessionID, token) {
				return OutcomeAborted, nil
			}
			if req.Provider.Stream {
				if rest := lines.Flush(); rest != "" {
					e.applyLine(req, b, index, rest)
				}
			} else if whole.Len() > 0 {
				e.applyPayload(req, b, index, whole.String())
			}
			return OutcomeDone, nil
		}
		if err != nil {
			if e.stopped(ctx, req.SessionID, token) {
				return OutcomeAborted, nil
			}
			return OutcomeError, fmt.Errorf("read response: %w", err)
		}
	}
}

func (e *Engine) stopped(ctx context.Context, id string, token uint64) bool {
	return ctx.Err() != nil || !e.gens.Current(id, token)
}

func (e *Engine) applyLine(req RunRequest, b *Builder, index int, line string) {
	payload, ok := DataPayload(line)
	if !ok {
		return
	}
	e.applyPayload(req, b, index, payload)
}

func (e *Engine) applyPayload(req RunRequest, b *Builder, index int, payload string) {
	e.logger.Log(context.Background(), levelTrace, "chat payload",
		"session_id", req.SessionID, "payload", payload)
	for _, d := range DecodePayload(payload) {
		b.Apply(d)
	}
	msg := b.Message()
	if !req.Target.Replace(index, msg) {
		e.logger.Debug("streamed message no longer in conversation",
			"session_id", req.SessionID, "index", index)
		return
	}
	e.bus.Emit(events.SourceChat, events.KindDelta, map[string]any{
		"session_id": req.SessionID,
		"index":      index,
		"message":    msg,
	})
}

func setHeaders(r *http.Request, p Provider) {
	ct := p.ContentType
	if ct == "" {
		ct = "application/json"
	}
	r.Header.Set("Content-Type", ct)
	if p.APIKey == "" {
		return
	}
	if p.Authorization {
		r.Header.Set("Authorization", strings.TrimSpace(p.AuthPrefix+" "+p.APIKey))
	} else {
		r.Header.Set("x-api-key", p.APIKey)
	}
}

func buildBody(req RunRequest) ([]byte, error) {
	p := req.Provider
	body := map[string]any{
		"model":  p.Model,
		"stream": p.Stream,
	}
	if p.ReasoningEffort != nil {
		switch n := *p.ReasoningEffort; {
		case n == 0:
			body["chat_template_kwargs"] = map[string]any{"enable_thinking": false}
		case n > 0 && n < len(ReasoningEfforts):
			body["reasoning_effort"] = ReasoningEfforts[n]
		}
	}

	msgs := wireMessages(req.Messages)

	if s := req.Sampling; s != nil {
		body["messages"] = withSystemPrompt(s.SystemPrompt, msgs)
		if s.Temperature != nil {
			body["temperature"] = *s.Temperature
		}
		if s.MaxTokens > 0 {
			body[maxTokensField(p)] = s.MaxTokens
		}
		return json.Marshal(body)
	}

	body["messages"] = withSystemPrompt(req.SystemPrompt, msgs)
	if v := strings.TrimSpace(p.MaxTokensValue); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("provider %q max tokens %q: %w", p.Name, v, err)
		}
		body[maxTokensField(p)] = n
	}
	if v := strings.TrimSpace(p.Temperature); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("provider %q temperature %q: %w", p.Name, v, err)
		}
		body["temperature"] = f
	}
	if v := strings.TrimSpace(p.TopP); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("provider %q top_p %q: %w", p.Name, v, err)
		}
		body["top_p"] = f
	}
	if p.MCP && len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	return json.Marshal(body)
}

func maxTokensField(p Provider) string {
	if p.MaxTokensField == "" {
		return "max_tokens"
	}
	return p.MaxTokensField
}

// wireMessages copies msgs without reasoning content, which endpoints
// reject on input.
func wireMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m = m.Clone()
		m.ReasoningContent = ""
		out[i] = m
	}
	return out
}

func withSystemPrompt(prompt string, msgs []Message) []Message {
	if prompt == "" {
		return msgs
	}
	return append([]Message{{Role: RoleSystem, Content: Text(prompt)}}, msgs...)
}

// errorMessage renders a failed response for display. It prefers the
// OpenAI error.message shape, then the FastAPI detail shape.
func errorMessage(resp *http.Response, url string) string {
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if statusText == "" {
		statusText = http.StatusText(resp.StatusCode)
	}
	msg := fmt.Sprintf("%d: %s %s", resp.StatusCode, statusText, url)

	raw := httpkit.ReadErrorBody(resp.Body, 64*1024)
	var data struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return msg
	}

	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data.Error, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Sprintf("%d: %s", resp.StatusCode, apiErr.Message)
	}

	var detail []struct {
		Loc any    `json:"loc"`
		Msg string `json:"msg"`
	}
	if json.Unmarshal(data.Detail, &detail) == nil && len(detail) > 0 && detail[0].Msg != "" {
		if loc := formatLoc(detail[0].Loc); loc != "" {
			return fmt.Sprintf("%d - %s: %s", resp.StatusCode, loc, detail[0].Msg)
		}
		return fmt.Sprintf("%d: %s", resp.StatusCode, detail[0].Msg)
	}
	return msg
}

func formatLoc(loc any) string {
	switch v := loc.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}
