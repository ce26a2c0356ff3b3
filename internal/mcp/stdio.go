package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long a subprocess gets to exit after stdin closes
// before it is killed.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the host's.
	Dir string

	// OnStderr, if set, receives every line the subprocess writes to
	// stderr. Stderr is diagnostic only and never fails the transport.
	OnStderr func(line string)

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
// A single read loop owns stdout and routes each line: responses go to
// the waiting Send call, server requests go to the request handler.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// handlerCtx bounds inbound request handlers; Close cancels it so
	// pending sampling and elicitation requests are abandoned.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc
	handlers      sync.WaitGroup

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	closed  bool
	handler RequestHandler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *Response
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StdioTransport{
		config:        cfg,
		logger:        logger,
		handlerCtx:    ctx,
		cancelHandler: cancel,
		pending:       make(map[int64]chan *Response),
	}
}

// SetRequestHandler implements Transport.
func (t *StdioTransport) SetRequestHandler(h RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// ensureStarted launches the subprocess on first use and returns the
// channel closed when it exits. A subprocess that has exited is not
// restarted; the session that owned it is over.
func (t *StdioTransport) ensureStarted() (chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.cmd != nil {
		select {
		case <-t.exited:
			return nil, fmt.Errorf("MCP subprocess %s exited: %w", t.config.Command, ErrClosed)
		default:
			return t.exited, nil
		}
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readLoop(stdout)
	}()
	go func() {
		defer close(stderrDone)
		t.drainStderr(stderr)
	}()

	// Wait must not run until both pipes are drained.
	exited := t.exited
	go func() {
		<-readDone
		<-stderrDone
		err := cmd.Wait()
		t.logger.Debug("MCP subprocess exited", "pid", cmd.Process.Pid, "error", err)
		close(exited)
	}()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return exited, nil
}

// drainStderr forwards stderr lines to the logger and OnStderr.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("MCP subprocess stderr", "line", line)
		if t.config.OnStderr != nil {
			t.config.OnStderr(line)
		}
	}
	// Keep the pipe drained after an oversized line so the child never
	// blocks on a full stderr.
	_, _ = io.Copy(io.Discard, r)
}

// readLoop routes every stdout line until EOF.
func (t *StdioTransport) readLoop(r io.Reader) {
	reader := bufio.NewReaderSize(r, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Debug("MCP subprocess stdout read failed", "error", err)
			}
			return
		}
	}
}

// dispatch handles one line from stdout.
func (t *StdioTransport) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP subprocess",
			"line", string(line),
		)
		return
	}

	switch {
	case msg.isResponse():
		resp, ok := msg.response()
		if !ok {
			t.logger.Debug("skipping MCP response with foreign id", "id", string(msg.ID))
			return
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.pendingMu.Unlock()
		if !ok {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
			return
		}
		ch <- resp

	case msg.isRequest():
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()

		t.handlers.Add(1)
		go func() {
			defer t.handlers.Done()
			rep := serveRequest(t.handlerCtx, h, &msg)
			if err := t.write(rep); err != nil {
				t.logger.Debug("failed to answer MCP server request",
					"method", msg.Method,
					"error", err,
				)
			}
		}()

	case msg.isNotification():
		t.logger.Debug("MCP notification", "method", msg.Method)

	default:
		t.logger.Debug("skipping malformed MCP message", "line", string(line))
	}
}

// write marshals v and writes it as one line on stdin.
func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Send writes a JSON-RPC request to stdin and waits for the response
// with the matching id. Multiple calls may be in flight at once.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	exited, err := t.ensureStarted()
	if err != nil {
		return nil, err
	}

	ch := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-exited:
		// The response may have been routed just before exit.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("MCP subprocess %s exited: %w", t.config.Command, ErrClosed)
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	if _, err := t.ensureStarted(); err != nil {
		return err
	}
	return t.write(notif)
}

// Close terminates the subprocess, cancels in-flight server requests,
// and waits for their handlers to return. Calling Close more than once
// is a no-op.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, stdin, exited := t.cmd, t.stdin, t.exited
	t.mu.Unlock()

	t.cancelHandler()
	defer t.handlers.Wait()

	if cmd == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	t.writeMu.Lock()
	stdin.Close()
	t.writeMu.Unlock()

	select {
	case <-exited:
		return nil
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}
