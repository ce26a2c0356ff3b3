package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/mcpdesk/internal/llm"
	"github.com/nugget/mcpdesk/internal/mcp"
)

// imageNotice stands in for a tool result whose images follow in a
// user message, since tool messages cannot carry images.
const imageNotice = "Image provided in next user message"

// packReturn wraps a message as a single-text tool result.
func packReturn(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{{Type: "text", Text: text}}}
}

// toolServers returns the descriptors that can list tools, ordered by
// server name.
func (l *Loop) toolServers() []mcp.FeatureDescriptor {
	if l.features == nil {
		return nil
	}
	var out []mcp.FeatureDescriptor
	for _, d := range l.features.Features() {
		if _, ok := d.EntryPoint(mcp.CapabilityTools, "list"); ok {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b mcp.FeatureDescriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (l *Loop) listTools(ctx context.Context, d mcp.FeatureDescriptor) ([]mcp.Tool, error) {
	name, _ := d.EntryPoint(mcp.CapabilityTools, "list")
	res, err := l.features.Invoke(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	list, ok := res.(*mcp.ListToolsResult)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", name, res)
	}
	return list.Tools, nil
}

// ToolDefinitions lists the tools of every connected server in the
// function-calling format completion endpoints expect. A name offered
// by more than one server is sent once, for the first server by name.
func (l *Loop) ToolDefinitions(ctx context.Context) []llm.Tool {
	var (
		out  []llm.Tool
		seen = make(map[string]string)
	)
	for _, d := range l.toolServers() {
		tools, err := l.listTools(ctx, d)
		if err != nil {
			l.logger.Warn("failed to list tools", "mcp_server", d.Name, "error", err)
			continue
		}
		for _, t := range tools {
			if owner, dup := seen[t.Name]; dup {
				l.logger.Warn("duplicate tool name", "tool", t.Name, "mcp_server", d.Name, "owner", owner)
				continue
			}
			seen[t.Name] = d.Name
			out = append(out, llm.Tool{
				Type: "function",
				Function: llm.ToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}
	return out
}

// findOwner returns the first server, by name, that offers tool.
func (l *Loop) findOwner(ctx context.Context, tool string) (mcp.FeatureDescriptor, bool) {
	var (
		owner mcp.FeatureDescriptor
		found bool
	)
	for _, d := range l.toolServers() {
		tools, err := l.listTools(ctx, d)
		if err != nil {
			l.logger.Debug("tool lookup skipped server", "mcp_server", d.Name, "error", err)
			continue
		}
		if !slices.ContainsFunc(tools, func(t mcp.Tool) bool { return t.Name == tool }) {
			continue
		}
		if found {
			l.logger.Warn("tool offered by several servers",
				"tool", tool, "using", owner.Name, "ignored", d.Name)
			continue
		}
		owner, found = d, true
	}
	return owner, found
}

// callTool runs one tool call. Failures come back as text results so
// the model can see them. A nil result means the owner cannot call
// tools at all.
func (l *Loop) callTool(ctx context.Context, name, args string) *mcp.CallToolResult {
	owner, ok := l.findOwner(ctx, name)
	if !ok {
		return packReturn(fmt.Sprintf("Tool name '%s' not found", name))
	}

	var arguments any = map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &arguments); err != nil {
			return packReturn(fmt.Sprintf("Arguments JSON parse error: '%v'", err))
		}
	}

	entry, ok := owner.EntryPoint(mcp.CapabilityTools, "call")
	if !ok {
		l.logger.Warn("server lists tools but cannot call them", "mcp_server", owner.Name, "tool", name)
		return nil
	}
	params, err := json.Marshal(map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return packReturn(fmt.Sprintf("Error calling tool: %v", err))
	}

	l.logger.Info("calling tool", "tool", name, "mcp_server", owner.Name)
	res, err := l.features.Invoke(ctx, entry, params)
	if err != nil {
		l.logger.Warn("tool call failed", "tool", name, "mcp_server", owner.Name, "error", err)
		return packReturn(fmt.Sprintf("Error calling tool: %v", err))
	}
	result, ok := res.(*mcp.CallToolResult)
	if !ok {
		return packReturn(fmt.Sprintf("Error calling tool: unexpected result %T", res))
	}
	return result
}

// convertItem turns one MCP content item into a chat content part.
func convertItem(c mcp.Content) llm.Part {
	switch c.Type {
	case "text":
		return llm.TextPart(c.Text)
	case "image":
		return llm.ImagePart("data:" + c.MimeType + ";base64," + c.Data)
	case "resource":
		return llm.TextPart(prettyJSON(c.Resource))
	default:
		return llm.TextPart(prettyJSON(c.Raw()))
	}
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// toolResultMessages converts a tool result into conversation
// messages. Results with images become a tool message pointing at a
// following user message that carries every converted item.
func toolResultMessages(content []mcp.Content, toolCallID string) []llm.Message {
	parts := make([]llm.Part, len(content))
	hasImage := false
	for i, c := range content {
		parts[i] = convertItem(c)
		if parts[i].Type == "image_url" {
			hasImage = true
		}
	}

	if hasImage {
		return []llm.Message{
			{
				Role:       llm.RoleTool,
				Content:    llm.Parts(llm.TextPart(imageNotice)),
				ToolCallID: toolCallID,
			},
			{
				Role:    llm.RoleUser,
				Content: llm.Parts(parts...),
			},
		}
	}

	texts := make([]string, len(parts))
	for i, p := range parts {
		texts[i] = p.Text
	}
	return []llm.Message{{
		Role:       llm.RoleTool,
		Content:    llm.Text(strings.Join(texts, "\n")),
		ToolCallID: toolCallID,
	}}
}
