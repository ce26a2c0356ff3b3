package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// DefaultIdleTimeout is how long Connect waits without any sign of life
// from a server before giving up.
const DefaultIdleTimeout = 90 * time.Second

// ErrIdleTimeout is returned by Connect when a server neither completes
// the handshake nor writes to stderr within the idle timeout.
var ErrIdleTimeout = errors.New("mcp: server idle timeout")

// ServerConfig describes how to reach one MCP server. Exactly one of
// Command or URL is set.
type ServerConfig struct {
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Validate checks that the config names exactly one transport.
func (c ServerConfig) Validate() error {
	switch {
	case c.Command == "" && c.URL == "":
		return errors.New("command or url is required")
	case c.Command != "" && c.URL != "":
		return errors.New("command and url are mutually exclusive")
	}
	return nil
}

// environ renders Env as sorted KEY=VALUE pairs.
func (c ServerConfig) environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Session is a connected, initialized MCP server.
type Session struct {
	Name   string
	Config ServerConfig
	Client *Client
}

// ConnectOptions tunes Connect.
type ConnectOptions struct {
	// Handler answers sampling and elicitation requests from the server.
	Handler ServerRequestHandler

	// IdleTimeout bounds the handshake. Every stderr line from the
	// server restarts the clock. Zero means DefaultIdleTimeout; a
	// negative value disables the limit.
	IdleTimeout time.Duration

	// OnStderr receives each stderr line from a stdio server.
	OnStderr func(line string)

	// HTTPClient overrides the client used for HTTP servers.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Connect starts the server described by cfg and performs the MCP
// handshake. On any failure the transport is closed before returning.
func Connect(ctx context.Context, name string, cfg ServerConfig, opts ConnectOptions) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	activity := make(chan struct{}, 1)
	onStderr := func(line string) {
		select {
		case activity <- struct{}{}:
		default:
		}
		if opts.OnStderr != nil {
			opts.OnStderr(line)
		}
	}

	var transport Transport
	if cfg.Command != "" {
		transport = NewStdioTransport(StdioConfig{
			Command:  cfg.Command,
			Args:     cfg.Args,
			Env:      cfg.environ(),
			OnStderr: onStderr,
			Logger:   logger.With("mcp_server", name),
		})
	} else {
		transport = NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Client:  opts.HTTPClient,
			Logger:  logger.With("mcp_server", name),
		})
	}

	client := NewClient(name, transport, opts.Handler, logger)

	idle := opts.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}

	initCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan error, 1)
	go func() { done <- client.Initialize(initCtx) }()

	var expired <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case err := <-done:
			if err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("connect %s: %w", name, err)
			}
			return &Session{Name: name, Config: cfg, Client: client}, nil

		case <-activity:
			if timer != nil {
				timer.Reset(idle)
			}

		case <-expired:
			cancel(ErrIdleTimeout)
			<-done
			_ = client.Close()
			return nil, fmt.Errorf("connect %s: no activity for %s: %w", name, idle, ErrIdleTimeout)
		}
	}
}

// Disconnect closes the session's transport. It is safe to call with a
// nil session and more than once.
func Disconnect(s *Session) {
	if s == nil || s.Client == nil {
		return
	}
	if err := s.Client.Close(); err != nil {
		s.Client.logger.Warn("error closing MCP session", "error", err)
	}
}
