package uiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/nugget/mcpdesk/internal/bundle"
	"github.com/nugget/mcpdesk/internal/chat"
	"github.com/nugget/mcpdesk/internal/history"
	"github.com/nugget/mcpdesk/internal/host"
	"github.com/nugget/mcpdesk/internal/mcp"
)

// method is the body of one bus method.
type method func(ctx context.Context, params json.RawMessage) (any, error)

var errNoHistory = errors.New("history is disabled")

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("invalid params: %w", err)
	}
	return v, nil
}

func (s *Server) routes() map[string]method {
	return map[string]method{
		"mcp.init":      s.mcpInit,
		"mcp.stop":      s.mcpStop,
		"mcp.features":  s.mcpFeatures,
		"mcp.invoke":    s.mcpInvoke,
		"mcp.reply":     s.mcpReply,
		"mcp.pending":   s.mcpPending,
		"mcp.manifests": s.mcpManifests,

		"chat.send":       s.chatSend,
		"chat.resend":     s.chatResend,
		"chat.stop":       s.chatStop,
		"chat.get":        s.chatGet,
		"chat.sample":     s.chatSample,
		"chat.generating": s.chatGenerating,

		"history.list":   s.historyList,
		"history.delete": s.historyDelete,
	}
}

type initResult struct {
	Features []mcp.FeatureDescriptor `json:"features"`
	Errors   []string                `json:"errors,omitempty"`
}

// mcpInit restarts the servers from the metadata. Entry failures are
// part of the result, not a method error; progress arrives as events.
func (s *Server) mcpInit(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Metadata map[string]host.Metadata `json:"metadata"`
	}](params)
	if err != nil {
		return nil, err
	}
	_, initErr := s.opts.Registry.InitAll(context.WithoutCancel(ctx), p.Metadata, nil)
	res := initResult{Features: s.opts.Registry.Features()}
	for _, e := range multierr.Errors(initErr) {
		res.Errors = append(res.Errors, e.Error())
	}
	return res, nil
}

func (s *Server) mcpStop(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.opts.Registry.Deactivate(ctx); err != nil {
		return nil, err
	}
	return s.opts.Registry.Features(), nil
}

func (s *Server) mcpFeatures(context.Context, json.RawMessage) (any, error) {
	return s.opts.Registry.Features(), nil
}

func (s *Server) mcpInvoke(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Name   string          `json:"name"`
		Params json.RawMessage `json:"params"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.opts.Registry.Invoke(ctx, p.Name, p.Params)
}

func (s *Server) mcpReply(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Channel string          `json:"channel"`
		Payload json.RawMessage `json:"payload"`
	}](params)
	if err != nil {
		return nil, err
	}
	return nil, s.opts.Relay.Resolve(p.Channel, p.Payload)
}

func (s *Server) mcpPending(context.Context, json.RawMessage) (any, error) {
	return s.opts.Relay.Pending(), nil
}

func (s *Server) mcpManifests(context.Context, json.RawMessage) (any, error) {
	listings, err := bundle.ListManifests(s.opts.BundleDir)
	if err != nil {
		return nil, err
	}
	if listings == nil {
		listings = []bundle.Listing{}
	}
	return listings, nil
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) chatSend(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
		ImageURL  string `json:"image_url"`
		Provider  string `json:"provider"`
	}](params)
	if err != nil {
		return nil, err
	}
	id, err := s.opts.Loop.Send(ctx, p.SessionID, chat.UserContent(p.Text, p.ImageURL), p.Provider)
	if err != nil {
		return nil, err
	}
	return sessionParams{SessionID: id}, nil
}

func (s *Server) chatResend(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[sessionParams](params)
	if err != nil {
		return nil, err
	}
	return nil, s.opts.Loop.Resend(ctx, p.SessionID)
}

func (s *Server) chatStop(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decode[sessionParams](params)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"stopped": s.opts.Loop.Stop(p.SessionID)}, nil
}

func (s *Server) chatGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[sessionParams](params)
	if err != nil {
		return nil, err
	}
	return s.opts.Loop.Get(ctx, p.SessionID)
}

func (s *Server) chatSample(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Server string                  `json:"server"`
		Params mcp.CreateMessageParams `json:"params"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.opts.Loop.Sample(ctx, p.Server, &p.Params)
}

func (s *Server) chatGenerating(context.Context, json.RawMessage) (any, error) {
	return s.opts.Loop.Generating(), nil
}

func (s *Server) historyList(ctx context.Context, _ json.RawMessage) (any, error) {
	if s.opts.History == nil {
		return nil, errNoHistory
	}
	recs, err := s.opts.History.List(ctx)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []history.Record{}
	}
	return recs, nil
}

func (s *Server) historyDelete(ctx context.Context, params json.RawMessage) (any, error) {
	if s.opts.History == nil {
		return nil, errNoHistory
	}
	p, err := decode[struct {
		ID string `json:"id"`
	}](params)
	if err != nil {
		return nil, err
	}
	s.opts.Loop.Forget(p.ID)
	return nil, s.opts.History.Delete(ctx, p.ID)
}
