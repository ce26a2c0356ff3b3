package uiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcpdesk/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// eventBuffer absorbs bursts of streaming deltas.
	eventBuffer = 256
)

// Frame is a message from the UI: a method call correlated by ID.
type Frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply answers one Frame.
type Reply struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *ReplyError     `json:"error,omitempty"`
}

// ReplyError is a failed method call.
type ReplyError struct {
	Message string `json:"message"`
}

// Push carries one bus event to the UI.
type Push struct {
	Event events.Event `json:"event"`
}

// conn is one connected UI.
type conn struct {
	ws     *websocket.Conn
	writeM sync.Mutex
}

func (c *conn) write(v any) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws}
	s.logger.Info("UI connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	sub := s.opts.Bus.Subscribe(eventBuffer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pushEvents(ctx, c, sub)
	}()

	s.readFrames(ctx, c, &wg)

	cancel()
	s.opts.Bus.Unsubscribe(sub)
	wg.Wait()
	if err := ws.Close(); err != nil {
		s.logger.Debug("websocket close failed", "error", err)
	}
	s.logger.Info("UI disconnected", "remote", r.RemoteAddr)
}

// readFrames dispatches each frame on its own goroutine so a long chat
// turn does not hold up a stop request behind it. It returns when the
// connection fails or closes.
func (s *Server) readFrames(ctx context.Context, c *conn, wg *sync.WaitGroup) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.call(ctx, f)
			if err := c.write(reply); err != nil {
				s.logger.Debug("failed to write reply", "method", f.Method, "error", err)
			}
		}()
	}
}

// pushEvents forwards bus events until ctx ends or the subscription is
// closed, pinging the UI while it is quiet.
func (s *Server) pushEvents(ctx context.Context, c *conn, sub <-chan events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := c.write(Push{Event: e}); err != nil {
				s.logger.Debug("failed to push event", "kind", e.Kind, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// call runs one method and builds its reply.
func (s *Server) call(ctx context.Context, f Frame) Reply {
	m, ok := s.methods[f.Method]
	if !ok {
		return Reply{ID: f.ID, Error: &ReplyError{Message: "unknown method: " + f.Method}}
	}

	start := time.Now()
	result, err := m(ctx, f.Params)
	if err != nil {
		s.logger.Debug("method failed", "method", f.Method, "error", err, "elapsed", time.Since(start))
		return Reply{ID: f.ID, Error: &ReplyError{Message: err.Error()}}
	}
	s.logger.Debug("method done", "method", f.Method, "elapsed", time.Since(start))
	if result == nil {
		result = struct{}{}
	}
	return Reply{ID: f.ID, Result: result}
}
