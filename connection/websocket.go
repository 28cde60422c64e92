package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbocsi/goremote/proto"
)

// WebSocketTransport sends each message as one JSON text frame. Close does
// not wait for an in-flight Send.
type WebSocketTransport struct {
	WriteTimeout time.Duration

	writeMu sync.Mutex // gorilla allows one concurrent writer
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{WriteTimeout: DefaultWriteTimeout}
}

// Connect accepts either a ws:// URL or a bare host:port.
func (t *WebSocketTransport) Connect(ctx context.Context, addr string) error {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr + "/"
	}
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	// Convert tcp addresses to WebSocket URLs
	if u.Scheme == "tcp" {
		u.Scheme = "ws"
		u.Path = "/"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *WebSocketTransport) Send(msg proto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}
	if t.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}

	slog.Debug("Sent WebSocket Message", "type", msg.Type, "topic", msg.Topic, "size", len(msg.Payload))
	return nil
}

func (t *WebSocketTransport) Read() (proto.Message, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return proto.Message{}, ErrNotConnected
	}

	_, messageBytes, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			return proto.Message{}, fmt.Errorf("WebSocket connection error: %w", err)
		}
		return proto.Message{}, fmt.Errorf("connection closed: %w", err)
	}

	var msg proto.Message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		return proto.Message{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return msg, nil
}

// Close sends a close frame and closes the socket. WriteControl may run
// alongside a blocked WriteMessage, so the writer lock is not taken.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	if err != nil {
		// Log error but don't return it - we still want to close the connection
		slog.Debug("Failed to send close message", "error", err)
	}

	return conn.Close()
}
