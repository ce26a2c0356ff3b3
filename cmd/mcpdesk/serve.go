package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/mcpdesk/internal/buildinfo"
	"github.com/nugget/mcpdesk/internal/chat"
	"github.com/nugget/mcpdesk/internal/config"
	"github.com/nugget/mcpdesk/internal/events"
	"github.com/nugget/mcpdesk/internal/history"
	"github.com/nugget/mcpdesk/internal/host"
	"github.com/nugget/mcpdesk/internal/httpkit"
	"github.com/nugget/mcpdesk/internal/llm"
	"github.com/nugget/mcpdesk/internal/relay"
	"github.com/nugget/mcpdesk/internal/uiserver"
)

// app is everything a running host owns. serve and ask share it.
type app struct {
	cfg     *config.Config
	bus     *events.Bus
	relay   *relay.Relay
	reg     *host.Registry
	loop    *chat.Loop
	history *history.Store
	logger  *slog.Logger
}

// newApp builds the registries and the chat loop from cfg. The history
// store is opened only when persist is set.
func newApp(cfg *config.Config, logger *slog.Logger, persist bool) (*app, error) {
	a := &app{cfg: cfg, bus: events.New(), logger: logger}

	providers, err := cfg.LoadProviders()
	if err != nil {
		return nil, err
	}

	if persist {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		a.history, err = history.Open(filepath.Join(cfg.DataDir, "history.db"))
		if err != nil {
			return nil, err
		}
	}

	gens := llm.NewGenerations(func(id string, state llm.State) {
		a.bus.Emit(events.SourceChat, events.KindGeneration, map[string]any{
			"session_id": id,
			"state":      string(state),
		})
	})
	client := httpkit.NewStreamingClient(2*time.Minute,
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(logger),
	)
	engine := llm.NewEngine(client, gens, a.bus, logger)

	a.relay = relay.New(relay.Options{
		Bus:     a.bus,
		Timeout: cfg.MCP.RelayTimeout,
		Logger:  logger.With("component", "relay"),
	})
	a.reg = host.New(host.Options{
		ServersFile:    cfg.MCP.ServersFile,
		BundleDir:      cfg.MCP.BundleDir,
		IdleTimeout:    cfg.MCP.IdleTimeout,
		Concurrency:    cfg.MCP.InitConcurrency,
		HealthInterval: cfg.MCP.HealthInterval,
		Bridge:         a.relay,
		Bus:            a.bus,
		Logger:         logger,
	})

	loopCfg := chat.Config{
		Engine:          engine,
		Features:        a.reg,
		Providers:       providers,
		DefaultProvider: cfg.DefaultProvider,
		SystemPrompt:    cfg.SystemPrompt,
		Bus:             a.bus,
		Logger:          logger,
	}
	if a.history != nil {
		loopCfg.Store = a.history
	}
	a.loop = chat.New(loopCfg)

	if cfg.MCP.AutoSampling {
		a.relay.SetSampler(a.loop)
	}
	return a, nil
}

// start publishes the inactive listing and then connects every server
// in the servers file.
func (a *app) start(ctx context.Context) {
	if err := a.reg.LoadConfigured(); err != nil {
		a.logger.Warn("servers file unreadable, no servers started", "path", a.cfg.MCP.ServersFile, "error", err)
		return
	}

	servers, err := host.LoadServersFile(a.cfg.MCP.ServersFile)
	if err != nil {
		a.logger.Warn("servers file unreadable, no servers started", "path", a.cfg.MCP.ServersFile, "error", err)
		return
	}
	metadata, err := host.StdioMetadata(servers)
	if err != nil {
		a.logger.Warn("invalid servers file", "path", a.cfg.MCP.ServersFile, "error", err)
		return
	}
	sessions, err := a.reg.InitAll(ctx, metadata, nil)
	if err != nil {
		a.logger.Warn("some MCP servers failed to start", "error", err)
	}
	a.logger.Info("MCP servers started", "connected", len(sessions), "configured", len(servers))
}

func (a *app) close() {
	if err := a.reg.Close(); err != nil {
		a.logger.Warn("failed to stop MCP servers cleanly", "error", err)
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("failed to close history store", "error", err)
		}
	}
}

// runServe starts the MCP servers and serves the UI bus until the
// process receives SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mcpdesk",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, configuredLevel(cfg), cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "log_level", cfg.LogLevel)

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.start(ctx)

	if cfg.MCP.Watch {
		go func() {
			err := a.reg.Watch(ctx, func(path string) {
				if _, err := a.reg.Reload(ctx, nil); err != nil {
					logger.Warn("reload finished with errors", "path", path, "error", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	server := uiserver.New(uiserver.Options{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Registry:  a.reg,
		Relay:     a.relay,
		Loop:      a.loop,
		History:   a.history,
		BundleDir: cfg.MCP.BundleDir,
		Bus:       a.bus,
		Logger:    logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("UI server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("UI server: %w", err)
		}
	}

	logger.Info("mcpdesk stopped")
	return nil
}
