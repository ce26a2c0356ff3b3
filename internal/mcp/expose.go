package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/mcpdesk/internal/procs"
)

// Descriptor status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusFailed   = "failed"
)

// Capability names as advertised in the initialize result.
const (
	CapabilityTools     = "tools"
	CapabilityPrompts   = "prompts"
	CapabilityResources = "resources"
)

// Action maps one (capability, action) pair to the protocol method
// that implements it.
type Action struct {
	Capability string
	Name       string
	Method     string
	Schema     Schema
}

// Actions is the callable surface published for every session, keyed
// by the capability the server must advertise.
var Actions = []Action{
	{CapabilityTools, "list", "tools/list", ListToolsSchema},
	{CapabilityTools, "call", "tools/call", CallToolSchema},
	{CapabilityPrompts, "list", "prompts/list", ListPromptsSchema},
	{CapabilityPrompts, "get", "prompts/get", GetPromptSchema},
	{CapabilityResources, "list", "resources/list", ListResourcesSchema},
	{CapabilityResources, "read", "resources/read", ReadResourceSchema},
	{CapabilityResources, "templates/list", "resources/templates/list", ListResourceTemplatesSchema},
}

// Requester issues typed requests. *Client implements it.
type Requester interface {
	Request(ctx context.Context, method string, schema Schema, params any) (Result, error)
}

// EntryPoint is one derived procedure.
type EntryPoint struct {
	Name       string
	Capability string
	Action     string
	Invoke     procs.Func
}

// EntryPointName returns the published name for an action of a session,
// e.g. "filesystem-tools/call".
func EntryPointName(session, capability, action string) string {
	return session + "-" + capability + "/" + action
}

// DeriveEntryPoints returns one entry point for every action in table
// whose capability caps advertises. It has no side effects.
func DeriveEntryPoints(session string, caps Capabilities, r Requester, table []Action) []EntryPoint {
	var out []EntryPoint
	for _, a := range table {
		if !caps.Has(a.Capability) {
			continue
		}
		out = append(out, EntryPoint{
			Name:       EntryPointName(session, a.Capability, a.Name),
			Capability: a.Capability,
			Action:     a.Name,
			Invoke:     invoker(r, a),
		})
	}
	return out
}

func invoker(r Requester, a Action) procs.Func {
	method, schema := a.Method, a.Schema
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p any
		if len(params) > 0 && string(params) != "null" {
			p = params
		}
		return r.Request(ctx, method, schema, p)
	}
}

// FeatureDescriptor is what the UI sees for one configured server: the
// entry point names per capability, or nothing when it is not running.
type FeatureDescriptor struct {
	Name      string            `json:"name"`
	Config    *ServerConfig     `json:"config,omitempty"`
	Tools     map[string]string `json:"tools,omitempty"`
	Prompts   map[string]string `json:"prompts,omitempty"`
	Resources map[string]string `json:"resources,omitempty"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
}

// EntryPoint looks up the published name for capability/action.
func (f FeatureDescriptor) EntryPoint(capability, action string) (string, bool) {
	var m map[string]string
	switch capability {
	case CapabilityTools:
		m = f.Tools
	case CapabilityPrompts:
		m = f.Prompts
	case CapabilityResources:
		m = f.Resources
	}
	name, ok := m[action]
	return name, ok
}

// InactiveDescriptor describes a configured server that is not running.
func InactiveDescriptor(name string, cfg *ServerConfig) FeatureDescriptor {
	return FeatureDescriptor{Name: name, Config: cfg, Status: StatusInactive}
}

// FailedDescriptor describes a server whose connection failed.
func FailedDescriptor(name string, cfg *ServerConfig, err error) FeatureDescriptor {
	d := FeatureDescriptor{Name: name, Config: cfg, Status: StatusFailed}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

// Expose publishes the session's entry points in reg, replacing any
// previously published under the same session name, and returns the
// descriptor naming them.
func Expose(reg *procs.Registry, s *Session) FeatureDescriptor {
	eps := DeriveEntryPoints(s.Name, s.Client.Capabilities(), s.Client, Actions)

	entries := make([]procs.Entry, 0, len(eps))
	for _, ep := range eps {
		entries = append(entries, procs.Entry{Name: ep.Name, Fn: ep.Invoke})
	}
	reg.Replace(s.Name, entries)

	cfg := s.Config
	d := FeatureDescriptor{Name: s.Name, Config: &cfg, Status: StatusActive}
	for _, ep := range eps {
		var m *map[string]string
		switch ep.Capability {
		case CapabilityTools:
			m = &d.Tools
		case CapabilityPrompts:
			m = &d.Prompts
		case CapabilityResources:
			m = &d.Resources
		}
		if *m == nil {
			*m = make(map[string]string)
		}
		(*m)[ep.Action] = ep.Name
	}

	s.Client.logger.Debug("exposed MCP session",
		slog.Int("entry_points", len(eps)),
	)
	return d
}
