package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/platform"
	"github.com/mbocsi/goremote/proto"
)

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultIdentifyTimeout = 5 * time.Second
)

var (
	ErrIdentifyTimeout = errors.New("timeout waiting for identify_ack")
	ErrRejected        = errors.New("device rejected identify")
	ErrPairingRefused  = errors.New("pairing refused by user")
)

type Options struct {
	Platform        platform.Platform // Required
	NewTransport    TransportFactory  // Optional (defaults to TCP)
	DialTimeout     time.Duration     // Optional (defaults to 5s)
	IdentifyTimeout time.Duration     // Optional (defaults to 5s)
	Logger          *slog.Logger      // Optional (defaults to slog.Default())
}

// Connector opens JSON-message control channels to devices. It implements
// client.Connector.
type Connector struct {
	platform        platform.Platform
	newTransport    TransportFactory
	dialTimeout     time.Duration
	identifyTimeout time.Duration
	logger          *slog.Logger
}

func NewConnector(opts *Options) (*Connector, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Platform == nil {
		return nil, fmt.Errorf("connection: platform is required")
	}
	if o.NewTransport == nil {
		o.NewTransport = func() Transport { return NewTCPTransport() }
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.IdentifyTimeout <= 0 {
		o.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Connector{
		platform:        o.Platform,
		newTransport:    o.NewTransport,
		dialTimeout:     o.DialTimeout,
		identifyTimeout: o.IdentifyTimeout,
		logger:          o.Logger.With("component", "connection"),
	}, nil
}

func (c *Connector) Connect(device proto.Device, listener client.ConnectionListener) client.Attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &Attempt{
		connector: c,
		device:    device,
		listener:  listener,
		ctx:       ctx,
		cancel:    cancel,
		logger:    c.logger.With("device", device.Name, "addr", device.HostPort()),
	}
}

// Attempt dials one device, identifies, pairs if asked to and then reads the
// channel until it breaks. After Cancel no further callbacks are made.
type Attempt struct {
	connector *Connector
	device    proto.Device
	listener  client.ConnectionListener
	logger    *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	cancelOnce sync.Once

	mu        sync.Mutex
	transport Transport
	deadline  *time.Timer

	timedOut atomic.Bool
	refused  atomic.Bool
}

func (a *Attempt) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

func (a *Attempt) Cancel() {
	a.cancelOnce.Do(func() {
		a.cancel()
		a.mu.Lock()
		t := a.transport
		if a.deadline != nil {
			a.deadline.Stop()
		}
		a.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		a.logger.Debug("Connection attempt cancelled")
	})
}

func (a *Attempt) cancelled() bool {
	return a.ctx.Err() != nil
}

func (a *Attempt) run() {
	t := a.connector.newTransport()

	dialCtx, cancel := context.WithTimeout(a.ctx, a.connector.dialTimeout)
	err := t.Connect(dialCtx, a.device.HostPort())
	cancel()
	if err != nil {
		a.fail(fmt.Errorf("dial: %w", err))
		return
	}

	a.mu.Lock()
	if a.cancelled() {
		a.mu.Unlock()
		_ = t.Close()
		return
	}
	a.transport = t
	a.mu.Unlock()

	sender, err := a.identify(t)
	if err != nil {
		_ = t.Close()
		a.fail(err)
		return
	}

	if a.cancelled() {
		return
	}
	a.logger.Info("Control channel established", "id", sender.ID())
	a.listener.OnConnected(a.device, sender)
	a.readLoop(t)
}

func (a *Attempt) identify(t Transport) (*Sender, error) {
	p := a.connector.platform
	msg, err := proto.NewMessage(proto.TypeIdentify, proto.IdentifyPayload{
		ClientName: p.String(platform.Name),
		UniqueID:   p.String(platform.UniqueID),
		Version:    p.VersionCode(),
	})
	if err != nil {
		return nil, err
	}
	if err := t.Send(msg); err != nil {
		return nil, fmt.Errorf("send identify: %w", err)
	}
	a.armDeadline(t)

	for {
		msg, err := t.Read()
		if err != nil {
			switch {
			case a.refused.Load():
				return nil, ErrPairingRefused
			case a.timedOut.Load():
				return nil, ErrIdentifyTimeout
			default:
				return nil, fmt.Errorf("read: %w", err)
			}
		}
		a.logger.Debug("Message received", "type", msg.Type, "size", len(msg.Payload))

		switch msg.Type {
		case proto.TypePinRequired:
			// The user may take a while; the deadline is re-armed once a PIN is sent.
			a.disarmDeadline()
			if !a.cancelled() {
				a.listener.OnSecretRequired(&pinListener{attempt: a, transport: t})
			}
		case proto.TypePairing:
			if !a.cancelled() {
				a.listener.OnConnectionPairing()
			}
		case proto.TypeIdentifyAck:
			var ack proto.IdAckPayload
			if err := json.Unmarshal(msg.Payload, &ack); err != nil {
				a.logger.Warn("Invalid JSON identify acknowledge payload", "error", err.Error(), "payload", string(msg.Payload))
				continue
			}
			if ack.Status != proto.StatusOK {
				return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Status)
			}
			a.disarmDeadline()
			return &Sender{transport: t, id: ack.AssignedId, logger: a.logger}, nil
		default:
			a.logger.Warn("Received a message other than identify_ack", "type", msg.Type)
		}
	}
}

func (a *Attempt) readLoop(t Transport) {
	for {
		msg, err := t.Read()
		if err != nil {
			_ = t.Close()
			if a.cancelled() {
				return
			}
			a.logger.Info("Control channel closed", "error", err)
			a.listener.OnConnectionDisconnected()
			return
		}

		switch msg.Type {
		case proto.TypeAck:
			if !a.cancelled() {
				a.listener.OnHeartbeatAck()
			}
		case proto.TypeIdentifyAck:
			a.logger.Warn("Received unexpected identify_ack", "sender", msg.Sender)
		default:
			a.logger.Debug("Ignoring message", "type", msg.Type, "topic", msg.Topic)
		}
	}
}

func (a *Attempt) fail(err error) {
	if a.cancelled() {
		return
	}
	a.logger.Warn("Connection attempt failed", "error", err)
	a.listener.OnConnectionFailed()
}

// armDeadline closes the transport if identification does not finish in
// time, which unblocks the pending Read.
func (a *Attempt) armDeadline(t Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deadline != nil {
		a.deadline.Stop()
	}
	a.deadline = time.AfterFunc(a.connector.identifyTimeout, func() {
		a.timedOut.Store(true)
		_ = t.Close()
	})
}

func (a *Attempt) disarmDeadline() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deadline != nil {
		a.deadline.Stop()
		a.deadline = nil
	}
}

type pinListener struct {
	attempt   *Attempt
	transport Transport
	once      sync.Once
}

func (l *pinListener) OnSecret(pin string) {
	l.once.Do(func() {
		msg, err := proto.NewMessage(proto.TypePin, proto.PinPayload{Pin: pin})
		if err == nil {
			err = l.transport.Send(msg)
		}
		if err != nil {
			l.attempt.logger.Warn("Failed to send PIN", "error", err)
			_ = l.transport.Close()
			return
		}
		l.attempt.armDeadline(l.transport)
	})
}

func (l *pinListener) OnCancel() {
	l.once.Do(func() {
		l.attempt.logger.Info("Pairing cancelled")
		l.attempt.refused.Store(true)
		_ = l.transport.Close()
	})
}

// Sender is the handle to an established control channel.
type Sender struct {
	transport Transport
	id        string
	logger    *slog.Logger
}

// ID returns the identifier the device assigned to this client.
func (s *Sender) ID() string {
	return s.id
}

// SendHeartbeat sends a ping. Failures are only logged; a dead channel shows
// up as missing acks.
func (s *Sender) SendHeartbeat() {
	msg, err := proto.NewMessage(proto.TypePing, nil)
	if err != nil {
		return
	}
	if err := s.transport.Send(msg); err != nil {
		s.logger.Debug("Failed to send heartbeat", "error", err)
	}
}

func (s *Sender) SendCommand(topic string, payload any) error {
	msg, err := proto.NewCommand(topic, payload)
	if err != nil {
		return err
	}
	msg.Sender = s.id
	if err := s.transport.Send(msg); err != nil {
		return fmt.Errorf("send command %q: %w", topic, err)
	}
	return nil
}

func (s *Sender) Close() error {
	return s.transport.Close()
}
