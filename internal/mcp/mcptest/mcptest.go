// Package mcptest provides an in-process MCP server for tests of code
// that consumes *mcp.Session without launching child processes.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/mcpdesk/internal/mcp"
)

// Server answers MCP requests in process. It implements mcp.Transport.
// Configure the exported fields before the first request.
type Server struct {
	// Tools is the tools/list result. A nil slice hides the tools
	// capability.
	Tools []mcp.Tool

	// Call answers tools/call. When nil, the first text argument is
	// echoed back.
	Call func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// InitErr fails the handshake.
	InitErr error

	mu      sync.Mutex
	handler mcp.RequestHandler
	down    error
	closed  int
	calls   []string
}

// Send implements mcp.Transport.
func (s *Server) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	s.mu.Lock()
	if s.closed > 0 {
		s.mu.Unlock()
		return nil, mcp.ErrClosed
	}
	s.calls = append(s.calls, req.Method)
	down := s.down
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.dispatch(ctx, req, down)
	if err != nil {
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}, nil
		}
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: data}, nil
}

func (s *Server) dispatch(ctx context.Context, req *mcp.Request, down error) (any, error) {
	switch req.Method {
	case "initialize":
		if s.InitErr != nil {
			return nil, s.InitErr
		}
		caps := map[string]any{}
		if s.Tools != nil {
			caps[mcp.CapabilityTools] = map[string]any{}
		}
		return map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    caps,
			"serverInfo":      mcp.Implementation{Name: "mcptest", Version: "0.0.0"},
		}, nil

	case "ping":
		if down != nil {
			return nil, down
		}
		return struct{}{}, nil

	case "tools/list":
		return mcp.ListToolsResult{Tools: s.Tools}, nil

	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		data, _ := json.Marshal(req.Params)
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
		}
		if s.Call != nil {
			return s.Call(ctx, p.Name, p.Arguments)
		}
		return &mcp.CallToolResult{Content: []mcp.Content{{Type: "text", Text: fmt.Sprint(p.Arguments["text"])}}}, nil
	}
	return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
}

// Notify implements mcp.Transport.
func (s *Server) Notify(context.Context, *mcp.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return mcp.ErrClosed
	}
	return nil
}

// SetRequestHandler implements mcp.Transport.
func (s *Server) SetRequestHandler(h mcp.RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Close implements mcp.Transport. It counts calls so tests can check
// that teardown happened exactly once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Closed reports how many times Close was called.
func (s *Server) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Methods returns the methods requested so far, in order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// SetDown makes ping fail with err. Pass nil to recover.
func (s *Server) SetDown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = err
}

// Request sends a server-initiated request (sampling/createMessage,
// elicitation/create) to the client, as a real server would mid-call.
func (s *Server) Request(ctx context.Context, method string, params any) (any, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return nil, errors.New("mcptest: no request handler installed")
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return h(ctx, method, data)
}

// Connect runs the handshake against s and returns the session.
func Connect(ctx context.Context, name string, s *Server, handler mcp.ServerRequestHandler) (*mcp.Session, error) {
	client := mcp.NewClient(name, s, handler, slog.Default())
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	return &mcp.Session{
		Name:   name,
		Config: mcp.ServerConfig{Command: "mcptest", Args: []string{name}},
		Client: client,
	}, nil
}
