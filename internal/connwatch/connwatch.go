// Package connwatch monitors the health of connected MCP servers.
//
// Each Watcher pings one session. While the server answers it is pinged
// on a fixed interval; once a ping fails the watcher reports the server
// down and retries with exponential backoff until it answers again.
// Transitions are reported through callbacks, which run on the watcher's
// goroutine and must not block.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PingFunc checks whether a server is responsive. Return nil if healthy.
type PingFunc func(ctx context.Context) error

// Schedule controls ping timing.
type Schedule struct {
	// Interval is the delay between pings of a healthy server.
	Interval time.Duration

	// RetryDelay is the first delay after a failed ping. It grows by
	// Multiplier after every further failure, up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Multiplier    float64

	// PingTimeout limits each ping.
	PingTimeout time.Duration
}

// DefaultSchedule returns a schedule that pings healthy servers every
// interval and retries down servers after 2s, 4s, 8s, ... up to the
// interval itself.
func DefaultSchedule(interval time.Duration) Schedule {
	return Schedule{
		Interval:      interval,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: max(interval, 2*time.Second),
		Multiplier:    2.0,
		PingTimeout:   10 * time.Second,
	}
}

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and status.
	Name string

	// Ping checks server health. Must be safe for concurrent use.
	Ping PingFunc

	Schedule Schedule

	// OnDown is called when a healthy server fails a ping. Optional.
	OnDown func(err error)

	// OnRecover is called when a down server answers again. Optional.
	OnRecover func()

	Logger *slog.Logger
}

// Status is the health of one watched server.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Failures  int       `json:"failures,omitempty"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one server.
type Watcher struct {
	config  WatcherConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	failures  int
	lastErr   error
	lastCheck time.Time
}

// Healthy reports whether the last ping succeeded. A new watcher is
// healthy until its first failed ping.
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.config.Name,
		Healthy:   w.healthy.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.config.Schedule
	logger := w.config.Logger
	delay := sched.Interval

	for {
		if !sleepCtx(ctx, delay) {
			return
		}
		err := w.ping(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wasHealthy := w.healthy.Load()
		switch {
		case wasHealthy && err != nil:
			w.healthy.Store(false)
			logger.Warn("mcp server unresponsive", "mcp_server", w.config.Name, "error", err)
			if w.config.OnDown != nil {
				w.config.OnDown(err)
			}
			delay = sched.RetryDelay
		case !wasHealthy && err == nil:
			w.healthy.Store(true)
			logger.Info("mcp server recovered", "mcp_server", w.config.Name)
			if w.config.OnRecover != nil {
				w.config.OnRecover()
			}
			delay = sched.Interval
		case !wasHealthy:
			logger.Debug("mcp server still unresponsive",
				"mcp_server", w.config.Name,
				"next_delay", delay.String(),
				"error", err,
			)
			delay = min(time.Duration(float64(delay)*sched.Multiplier), sched.MaxRetryDelay)
		default:
			delay = sched.Interval
		}
	}
}

func (w *Watcher) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, w.config.Schedule.PingTimeout)
	defer cancel()
	return w.config.Ping(pingCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers of every connected server.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher for cfg.Name, stopping any previous watcher of
// that name. Zero schedule fields take DefaultSchedule values.
//
// Panics if Name is empty or Ping is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Ping == nil {
		panic("connwatch: WatcherConfig.Ping must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultSchedule(time.Minute)
	s := &cfg.Schedule
	if s.Interval <= 0 {
		s.Interval = defaults.Interval
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = defaults.RetryDelay
	}
	if s.MaxRetryDelay <= 0 {
		s.MaxRetryDelay = max(s.Interval, s.RetryDelay)
	}
	if s.Multiplier <= 0 {
		s.Multiplier = defaults.Multiplier
	}
	if s.PingTimeout <= 0 {
		s.PingTimeout = defaults.PingTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.healthy.Store(true)

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and removes the named watcher.
func (m *Manager) Unwatch(name string) bool {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
	return ok
}

// Status returns the health of every watched server.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop stops every watcher and forgets them.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
