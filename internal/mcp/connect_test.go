package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestConnect_IdleTimeout(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), "mute", fakeServer("silent"), ConnectOptions{
		IdleTimeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("Connect = %v, want ErrIdleTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Connect took %s to time out", elapsed)
	}
}

func TestConnect_StderrResetsIdleTimer(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	s, err := Connect(context.Background(), "chatty", fakeServer("chatty"), ConnectOptions{
		// The server takes ~1s to answer but writes to stderr every 100ms.
		IdleTimeout: 500 * time.Millisecond,
		OnStderr: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	Disconnect(s)

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 10 {
		t.Errorf("OnStderr saw %d lines, want 10", len(lines))
	}
	if len(lines) > 0 && lines[0] != "warming up 0" {
		t.Errorf("first stderr line = %q", lines[0])
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, "mute", fakeServer("silent"), ConnectOptions{IdleTimeout: -1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect = %v, want DeadlineExceeded", err)
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{name: "command", cfg: ServerConfig{Command: "npx"}},
		{name: "url", cfg: ServerConfig{URL: "http://localhost:3000/mcp"}},
		{name: "neither", cfg: ServerConfig{}, wantErr: true},
		{name: "both", cfg: ServerConfig{Command: "npx", URL: "http://x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Environ(t *testing.T) {
	cfg := ServerConfig{Env: map[string]string{"B": "2", "A": "1"}}
	got := cfg.environ()
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Errorf("environ() = %v, want sorted pairs", got)
	}
}
