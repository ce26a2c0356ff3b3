package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcpdesk/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2025-06-18"

// clientName is reported to servers in clientInfo.
const clientName = "mcpdesk"

// ServerRequestHandler answers the requests a server may send to the
// host. Implementations typically forward them to the user.
type ServerRequestHandler interface {
	CreateMessage(ctx context.Context, server string, params *CreateMessageParams) (*CreateMessageResult, error)
	Elicit(ctx context.Context, server string, params *ElicitParams) (*ElicitResult, error)
}

// Client connects to a single MCP server and provides typed access to
// the MCP protocol operations.
type Client struct {
	name      string
	transport Transport
	handler   ServerRequestHandler
	logger    *slog.Logger
	nextID    atomic.Int64

	mu           sync.RWMutex
	initialized  bool
	serverInfo   Implementation
	capabilities Capabilities
	instructions string
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered (stdio or HTTP). handler may be
// nil, in which case sampling and elicitation requests are refused.
func NewClient(name string, transport Transport, handler ServerRequestHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		handler:   handler,
		logger:    logger.With("mcp_server", name),
	}
	transport.SetRequestHandler(c.handleRequest)
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"sampling":    map[string]any{},
			"elicitation": map[string]any{},
		},
		"clientInfo": Implementation{
			Name:    clientName,
			Version: buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Capabilities returns the capabilities the server advertised.
func (c *Client) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// ServerInfo returns the server's self-reported identity.
func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Instructions returns the usage hints the server sent, if any.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// Request calls method and decodes the result with schema. Protocol
// errors are returned as *RPCError.
func (c *Client) Request(ctx context.Context, method string, schema Schema, params any) (Result, error) {
	resp, err := c.send(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	result, err := schema.Decode(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return result, nil
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) (*ListToolsResult, error) {
	r, err := c.Request(ctx, "tools/list", ListToolsSchema, nil)
	if err != nil {
		return nil, err
	}
	tools := r.(*ListToolsResult)
	c.logger.Debug("discovered MCP tools", "count", len(tools.Tools))
	return tools, nil
}

// CallTool invokes a tool by name. A result with IsError set is still
// a successful call; the error text is in the content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	r, err := c.Request(ctx, "tools/call", CallToolSchema, params)
	if err != nil {
		return nil, err
	}
	return r.(*CallToolResult), nil
}

// ListPrompts calls prompts/list.
func (c *Client) ListPrompts(ctx context.Context) (*ListPromptsResult, error) {
	r, err := c.Request(ctx, "prompts/list", ListPromptsSchema, nil)
	if err != nil {
		return nil, err
	}
	return r.(*ListPromptsResult), nil
}

// GetPrompt calls prompts/get.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	r, err := c.Request(ctx, "prompts/get", GetPromptSchema, params)
	if err != nil {
		return nil, err
	}
	return r.(*GetPromptResult), nil
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context) (*ListResourcesResult, error) {
	r, err := c.Request(ctx, "resources/list", ListResourcesSchema, nil)
	if err != nil {
		return nil, err
	}
	return r.(*ListResourcesResult), nil
}

// ReadResource calls resources/read.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	r, err := c.Request(ctx, "resources/read", ReadResourceSchema, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	return r.(*ReadResourceResult), nil
}

// ListResourceTemplates calls resources/templates/list.
func (c *Client) ListResourceTemplates(ctx context.Context) (*ListResourceTemplatesResult, error) {
	r, err := c.Request(ctx, "resources/templates/list", ListResourceTemplatesSchema, nil)
	if err != nil {
		return nil, err
	}
	return r.(*ListResourceTemplatesResult), nil
}

// Ping checks whether the MCP server is responsive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// send issues a JSON-RPC request and checks for protocol-level errors.
// A cancelled request is announced to the server so it can stop work.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelRemote(id, context.Cause(ctx))
			return nil, ctx.Err()
		}
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// cancelRemote sends notifications/cancelled for an abandoned request.
func (c *Client) cancelRemote(id int64, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	notif := NewNotification("notifications/cancelled", map[string]any{
		"requestId": id,
		"reason":    cause.Error(),
	})
	if err := c.transport.Notify(ctx, notif); err != nil {
		c.logger.Debug("failed to send cancellation", "request_id", id, "error", err)
	}
}

// handleRequest dispatches a server-initiated request by method.
func (c *Client) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "ping":
		return struct{}{}, nil

	case "sampling/createMessage":
		if c.handler == nil {
			return nil, &RPCError{Code: CodeMethodNotFound, Message: "sampling not supported"}
		}
		var p CreateMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		c.logger.Debug("MCP sampling request", "messages", len(p.Messages))
		return c.handler.CreateMessage(ctx, c.name, &p)

	case "elicitation/create":
		if c.handler == nil {
			return nil, &RPCError{Code: CodeMethodNotFound, Message: "elicitation not supported"}
		}
		var p ElicitParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		c.logger.Debug("MCP elicitation request")
		return c.handler.Elicit(ctx, c.name, &p)

	default:
		c.logger.Debug("refusing unsupported MCP server request", "method", method)
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
}
