package simulator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mbocsi/goremote/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn is one client connection as seen by the device.
type conn interface {
	read() (proto.Message, error)
	send(msg proto.Message) error
	close()
}

type tcpConn struct {
	c       net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

func newTCPConn(c net.Conn) *tcpConn {
	return &tcpConn{c: c, scanner: bufio.NewScanner(c)}
}

func (t *tcpConn) read() (proto.Message, error) {
	for t.scanner.Scan() {
		var msg proto.Message
		if err := json.Unmarshal(t.scanner.Bytes(), &msg); err != nil {
			// Skip garbage lines and keep the session.
			continue
		}
		return msg, nil
	}
	if err := t.scanner.Err(); err != nil {
		return proto.Message{}, err
	}
	return proto.Message{}, io.EOF
}

func (t *tcpConn) send(msg proto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err = t.c.Write(append(data, '\n'))
	return err
}

func (t *tcpConn) close() {
	t.c.Close()
}

type wsConn struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

func (w *wsConn) read() (proto.Message, error) {
	for {
		_, data, err := w.c.ReadMessage()
		if err != nil {
			return proto.Message{}, err
		}
		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		return msg, nil
	}
}

func (w *wsConn) send(msg proto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.c.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *wsConn) close() {
	w.c.Close()
}

func (d *Device) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	if !d.admit() {
		d.logger.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(rw, "too many clients", http.StatusServiceUnavailable)
		return
	}
	c, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		d.logger.Error("Failed to upgrade connection", "error", err)
		return
	}
	d.handleSession(&wsConn{c: c}, r.RemoteAddr)
}
