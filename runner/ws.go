package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterfei/ifai-sub004/events"
)

// WSRunner executes agents on a remote agent server. Each launch
// opens one websocket: the launch request goes out as the first
// message, events come back as JSON messages until the server closes.
type WSRunner struct {
	conns  map[string]*websocket.Conn
	log    *slog.Logger
	dialer *websocket.Dialer
	url    string
	mu     sync.Mutex
}

// NewWSRunner creates a runner connecting to url for each launch.
func NewWSRunner(url string, logger *slog.Logger) *WSRunner {
	if logger == nil {
		logger = nopLogger
	}
	return &WSRunner{
		conns:  make(map[string]*websocket.Conn),
		log:    logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		url:    url,
	}
}

// Launch dials the agent server and streams its events to the sink
// until the server closes the connection.
func (r *WSRunner) Launch(ctx context.Context, req LaunchRequest, sink EventSink) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.url, err)
	}

	defer conn.Close()

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send launch request: %w", err)
	}

	// Register only after the launch message so Approve never writes
	// concurrently with it.
	r.mu.Lock()
	r.conns[req.ID] = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, req.ID)
		r.mu.Unlock()
	}()

	// Drop the connection if the context ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		ev, err := events.Parse(data)
		if err != nil {
			r.log.Warn("malformed event message", "agent", req.ID, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		sink.Deliver(req.ID, ev)
	}
}

// Approve relays an approval decision over the agent's connection.
func (r *WSRunner) Approve(ctx context.Context, agentID, toolCallID string, approved bool) error {
	r.mu.Lock()
	conn, ok := r.conns[agentID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return conn.WriteJSON(map[string]any{
		"type":       "tool_approval",
		"toolCallId": toolCallID,
		"approved":   approved,
	})
}

// Stop closes the agent's connection, ending its Launch.
func (r *WSRunner) Stop(agentID string) error {
	r.mu.Lock()
	conn, ok := r.conns[agentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopped"), deadline)
	return conn.Close()
}

var _ Runner = (*WSRunner)(nil)
