package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/nugget/mcpdesk/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on every
// request after initialization.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. When nil a streaming client
	// from httpkit is used, since SSE responses have no fixed length.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is sent as an HTTP POST. The server answers
// with either a single JSON body or an event stream that may carry its
// own requests before the response.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	handlerCtx    context.Context
	cancelHandler context.CancelFunc
	handlers      sync.WaitGroup

	mu        sync.RWMutex
	sessionID string
	handler   RequestHandler
	closed    bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewStreamingClient(30*time.Second, httpkit.WithLogger(logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		url:           cfg.URL,
		headers:       cfg.Headers,
		httpClient:    client,
		logger:        logger,
		handlerCtx:    ctx,
		cancelHandler: cancel,
	}
}

// SetRequestHandler implements Transport.
func (t *HTTPTransport) SetRequestHandler(h RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// post sends one JSON-RPC message. The caller owns the response body.
func (t *HTTPTransport) post(ctx context.Context, v any) (*http.Response, error) {
	t.mu.RLock()
	closed, sid := t.closed, t.sessionID
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	// Apply configured headers (auth, etc.).
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	if sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	return httpResp, nil
}

// Send posts a JSON-RPC request and returns the matching response,
// answering any server requests that arrive on the stream first.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(ctx, httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var msg message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	resp, ok := msg.response()
	if !ok || resp.ID != req.ID {
		return nil, fmt.Errorf("MCP server answered request %d with id %s", req.ID, string(msg.ID))
	}
	return resp, nil
}

// readStream consumes SSE events until the response for id arrives.
func (t *HTTPTransport) readStream(ctx context.Context, body io.Reader, id int64) (*Response, error) {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		if ev.Data == "" {
			continue
		}

		var msg message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.logger.Debug("skipping non-JSON MCP event", "data", ev.Data)
			continue
		}

		switch {
		case msg.isResponse():
			resp, ok := msg.response()
			if ok && resp.ID == id {
				return resp, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", string(msg.ID))
		case msg.isRequest():
			t.serve(msg)
		case msg.isNotification():
			t.logger.Debug("MCP notification", "method", msg.Method)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, errors.New("event stream ended before response")
}

// serve answers a server request with a follow-up POST.
func (t *HTTPTransport) serve(msg message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()

	t.handlers.Add(1)
	go func() {
		defer t.handlers.Done()
		rep := serveRequest(t.handlerCtx, h, &msg)
		resp, err := t.post(t.handlerCtx, rep)
		if err != nil {
			t.logger.Debug("failed to answer MCP server request",
				"method", msg.Method,
				"error", err,
			)
			return
		}
		httpkit.DrainAndClose(resp.Body, 1<<20)
	}()
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}

	return nil
}

// Close ends the server session, if one was assigned, and abandons
// in-flight server requests. Calling Close more than once is a no-op.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sid := t.sessionID
	t.mu.Unlock()

	t.cancelHandler()
	t.handlers.Wait()

	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(sessionHeader, sid)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("end MCP session: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
	return nil
}
