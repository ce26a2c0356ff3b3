package mcp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by transport operations after Close.
var ErrClosed = errors.New("mcp: transport closed")

// RequestHandler answers a request initiated by the server, such as
// sampling/createMessage. The returned value is marshaled as the
// result; a returned error becomes a JSON-RPC error reply.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Transport is the interface for MCP server communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses over a specific transport (stdio or HTTP).
type Transport interface {
	// Send sends a JSON-RPC request and returns the response.
	// The transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// SetRequestHandler installs the handler for server-initiated
	// requests. It must be called before the first Send.
	SetRequestHandler(h RequestHandler)

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess. Close is
	// idempotent.
	Close() error
}

// serveRequest runs h for an inbound request and builds the reply.
func serveRequest(ctx context.Context, h RequestHandler, msg *message) *reply {
	if h == nil {
		return newReply(msg.ID, nil, &RPCError{
			Code:    CodeMethodNotFound,
			Message: "method not found: " + msg.Method,
		})
	}
	result, err := h(ctx, msg.Method, msg.Params)
	return newReply(msg.ID, result, err)
}
