package connection

import (
	"context"

	"github.com/mbocsi/goremote/proto"
)

// Transport is one control channel to a device. Send may be called from any
// goroutine; Read is only called from the attempt's goroutine.
type Transport interface {
	Connect(ctx context.Context, addr string) error
	Send(msg proto.Message) error
	Read() (proto.Message, error) // for one-at-a-time processing
	Close() error
}

// TransportFactory returns a fresh, unconnected transport for every attempt.
type TransportFactory func() Transport

// TransportFor maps a protocol name ("tcp" or "ws") to a factory.
func TransportFor(protocol string) (TransportFactory, bool) {
	switch protocol {
	case "", "tcp":
		return func() Transport { return NewTCPTransport() }, true
	case "ws", "websocket":
		return func() Transport { return NewWebSocketTransport() }, true
	default:
		return nil, false
	}
}
