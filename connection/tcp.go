package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mbocsi/goremote/proto"
)

var ErrNotConnected = errors.New("transport is not connected")

// DefaultWriteTimeout bounds a single message write to a peer that stopped
// reading.
const DefaultWriteTimeout = 5 * time.Second

// TCPTransport speaks newline-delimited JSON messages over a TCP stream.
// Close does not wait for an in-flight Send; closing the socket ends it.
type TCPTransport struct {
	WriteTimeout time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{WriteTimeout: DefaultWriteTimeout}
}

func (t *TCPTransport) Connect(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.scanner = bufio.NewScanner(conn)
	t.mu.Unlock()
	return nil
}

func (t *TCPTransport) Send(msg proto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if t.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err = conn.Write(data)
	return err
}

func (t *TCPTransport) Read() (proto.Message, error) {
	t.mu.Lock()
	scanner := t.scanner
	t.mu.Unlock()
	if scanner == nil {
		return proto.Message{}, ErrNotConnected
	}

	for scanner.Scan() {
		var msg proto.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return proto.Message{}, fmt.Errorf("invalid JSON: %w", err)
		}
		return msg, nil
	}

	if err := scanner.Err(); err != nil {
		return proto.Message{}, err
	}

	return proto.Message{}, fmt.Errorf("connection closed")
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
