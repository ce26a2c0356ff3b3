// Package uiserver connects a user interface to the host. The UI talks
// to one WebSocket: it calls methods on the registry, the relay, the
// chat loop, and the history store, and it receives every bus event as
// a push frame.
package uiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcpdesk/internal/buildinfo"
	"github.com/nugget/mcpdesk/internal/chat"
	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/history"
	"github.com/nugget/mcpdesk/internal/host"
	"github.com/nugget/mcpdesk/internal/relay"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Options wires a Server.
type Options struct {
	Address string
	Port    int

	Registry *host.Registry
	Relay    *relay.Relay
	Loop     *chat.Loop
	// History is optional; history methods fail without it.
	History *history.Store
	// BundleDir is listed by mcp.manifests.
	BundleDir string

	Bus    *events.Bus
	Logger *slog.Logger
}

// Server is the UI bus server.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	methods  map[string]method
}

// New creates a server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		logger: logger.With("component", "uiserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.methods = s.routes()
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /history/export", s.handleExport)
	mux.HandleFunc("GET /history/export/{id...}", s.handleExportOne)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.withLogging(mux)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.opts.Address, s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting UI server", "address", s.opts.Address, "port", s.opts.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, sess := range s.opts.Registry.Sessions() {
		names = append(names, sess.Name)
	}
	sort.Strings(names)

	writeJSON(w, map[string]any{
		"status":     "ok",
		"build":      buildinfo.Info(),
		"sessions":   names,
		"health":     s.opts.Registry.Health(),
		"generating": s.opts.Loop.Generating(),
		"pending":    len(s.opts.Relay.Pending()),
	}, s.logger)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="history.json"`)
	if err := s.opts.History.Export(r.Context(), w); err != nil {
		s.logger.Error("history export failed", "error", err)
	}
}

func (s *Server) handleExportOne(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	var buf bytes.Buffer
	err := s.opts.History.ExportOne(r.Context(), &buf, id)
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("conversation export failed", "session_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="conversation.json"`)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("failed to write export", "error", err)
	}
}
