package client

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mbocsi/goremote/keepalive"
	"github.com/mbocsi/goremote/proto"
	"github.com/mbocsi/goremote/task"
)

var (
	ErrNoConnector         = errors.New("client: connector is required")
	ErrNoDiscovery         = errors.New("client: discovery is required")
	ErrNotConnected        = errors.New("client: not connected")
	ErrCommandsUnsupported = errors.New("client: sender does not support commands")
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

type Status struct {
	State     State         `json:"state"`
	Device    *proto.Device `json:"device,omitempty"`
	AttemptID string        `json:"attempt_id,omitempty"`
	Keepalive string        `json:"keepalive"`
	LostAcks  int           `json:"lost_acks"`
}

type ServiceOptions struct {
	Connector Connector          // Required
	Discovery Discoverer         // Required
	Keepalive *keepalive.Options // Optional (defaults to a 3s period and 3 lost acks)
	Logger    *slog.Logger       // Optional (defaults to slog.Default())
}

// Service owns the connection to one remote device. It starts connection
// attempts, supervises the established channel with a keepalive and tells
// registered listeners about every lifecycle change. All state is guarded by
// one mutex; listeners are always called without it held.
type Service struct {
	connector Connector
	discovery Discoverer
	keepalive *keepalive.Manager
	logger    *slog.Logger

	mu         sync.Mutex
	target     *proto.Device
	attempt    Attempt
	attemptID  string
	connecting bool
	sender     Sender
	listeners  []ClientListener
	input      InputListener
	pendingPin PinListener
	closed     bool
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Connector == nil {
		return nil, ErrNoConnector
	}
	if opts.Discovery == nil {
		return nil, ErrNoDiscovery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		connector: opts.Connector,
		discovery: opts.Discovery,
		logger:    opts.Logger.With("component", "client"),
	}

	kaOpts := keepalive.Options{}
	if opts.Keepalive != nil {
		kaOpts = *opts.Keepalive
	}
	if kaOpts.Logger == nil {
		kaOpts.Logger = opts.Logger
	}
	s.keepalive = keepalive.New(keepalive.HeartbeatFunc(s.sendHeartbeat), s.onKeepaliveTimeout, &kaOpts)
	return s, nil
}

// ConnectDevice starts a connection attempt to device. It reports true,
// and does nothing else, when device is already the connected target.
func (s *Service) ConnectDevice(device proto.Device) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("ConnectDevice called on closed service", "device", device.Name)
		return false
	}
	if s.target != nil && s.target.Equal(device) {
		s.mu.Unlock()
		s.logger.Debug("Already connected", "device", device.Name)
		return true
	}

	previous := s.attempt
	id := uuid.NewString()
	next := s.connector.Connect(device, &attemptListener{service: s, id: id})
	s.attempt = next
	s.attemptID = id
	s.connecting = true
	s.target = nil
	s.sender = nil
	s.pendingPin = nil
	s.mu.Unlock()

	s.keepalive.Stop()
	if previous != nil {
		previous.Cancel()
	}
	s.logger.Info("Connecting to device", "device", device.Name, "addr", device.HostPort(), "attempt", id)
	next.Start()
	return false
}

// Reconnect forces a fresh attempt to the current target.
func (s *Service) Reconnect() {
	s.mu.Lock()
	if s.target == nil {
		s.mu.Unlock()
		return
	}
	device := *s.target
	s.target = nil
	s.mu.Unlock()

	s.logger.Info("Reconnecting", "device", device.Name)
	s.ConnectDevice(device)
}

// CancelConnection cancels an attempt that has not connected yet.
func (s *Service) CancelConnection() {
	s.mu.Lock()
	if !s.connecting || s.attempt == nil {
		s.mu.Unlock()
		return
	}
	att, id := s.attempt, s.attemptID
	s.attempt = nil
	s.attemptID = ""
	s.connecting = false
	s.mu.Unlock()

	s.logger.Info("Cancelling connection attempt", "attempt", id)
	att.Cancel()
}

// Disconnect closes the current channel, if any, and reports it to listeners
// like any other disconnect.
func (s *Service) Disconnect() {
	s.mu.Lock()
	att, id := s.attempt, s.attemptID
	s.mu.Unlock()

	if att != nil {
		att.Cancel()
	}
	s.connectionDisconnected(id)
}

func (s *Service) CurrentDevice() (proto.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return proto.Device{}, false
	}
	return *s.target, true
}

func (s *Service) Sender() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

func (s *Service) SendCommand(topic string, payload any) error {
	sender := s.Sender()
	if sender == nil {
		return ErrNotConnected
	}
	cs, ok := sender.(CommandSender)
	if !ok {
		return ErrCommandsUnsupported
	}
	return cs.SendCommand(topic, payload)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{State: StateIdle, AttemptID: s.attemptID}
	switch {
	case s.target != nil:
		st.State = StateConnected
		device := *s.target
		st.Device = &device
	case s.connecting:
		st.State = StateConnecting
	}
	s.mu.Unlock()

	st.Keepalive = s.keepalive.State().String()
	st.LostAcks = s.keepalive.LostAcks()
	return st
}

func (s *Service) AttachClientListener(l ClientListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) DetachClientListener(l ClientListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.listeners, l); i >= 0 {
		s.listeners = slices.Delete(s.listeners, i, i+1)
	}
}

func (s *Service) AttachInputListener(l InputListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = l
}

func (s *Service) DetachInputListener(l InputListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input == l {
		s.input = nil
	}
}

// DiscoverDevices runs one discovery scan. It blocks for the discovery
// window.
func (s *Service) DiscoverDevices(ctx context.Context) []proto.Device {
	return s.discovery.DiscoverDevices(ctx)
}

// SelectDevice discovers devices and asks the input listener to pick one.
// It does nothing when no input listener is attached.
func (s *Service) SelectDevice(ctx context.Context) {
	s.mu.Lock()
	input := s.input
	s.mu.Unlock()
	if input == nil {
		return
	}

	input.OnDiscoveringDevices()
	worker := task.Go(ctx, "discover-devices", func(ctx context.Context) ([]proto.Device, error) {
		return s.discovery.DiscoverDevices(ctx), nil
	})
	devices, err := worker.Wait()
	if err != nil || devices == nil {
		s.logger.Warn("Device discovery failed", "error", err)
		devices = []proto.Device{}
	}
	input.OnSelectDevice(devices, s)
}

func (s *Service) OnDeviceSelected(device proto.Device) {
	s.ConnectDevice(device)
}

func (s *Service) OnDeviceSelectCancelled() {
	s.logger.Debug("Device selection cancelled")
}

// Close cancels any attempt or channel and stops the keepalive and discovery.
// Listeners are not notified.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	att := s.attempt
	pin := s.pendingPin
	s.attempt = nil
	s.attemptID = ""
	s.connecting = false
	s.target = nil
	s.sender = nil
	s.pendingPin = nil
	s.mu.Unlock()

	// A prompt still waiting on the user is refused so the attempt ends.
	if pin != nil {
		pin.OnCancel()
	}
	if att != nil {
		att.Cancel()
	}
	s.keepalive.Quit()
	if c, ok := s.discovery.(interface{ Close() }); ok {
		c.Close()
	}
}

func (s *Service) sendHeartbeat() {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender != nil {
		sender.SendHeartbeat()
	}
}

// onKeepaliveTimeout runs on the keepalive actor. The teardown and listener
// fan-out run on their own goroutine so listeners may call Close.
func (s *Service) onKeepaliveTimeout() {
	s.mu.Lock()
	att, id := s.attempt, s.attemptID
	s.mu.Unlock()

	s.logger.Warn("Connection lost, no heartbeat acknowledgments", "attempt", id)
	task.Go(context.Background(), "keepalive-timeout", func(context.Context) (struct{}, error) {
		if att != nil {
			att.Cancel()
		}
		s.connectionDisconnected(id)
		return struct{}{}, nil
	})
}

// current reports whether id is the live attempt. Must hold s.mu.
func (s *Service) current(id string) bool {
	return id != "" && id == s.attemptID
}

func (s *Service) connected(id string, device proto.Device, sender Sender) {
	s.mu.Lock()
	if !s.current(id) {
		s.mu.Unlock()
		s.logger.Debug("Ignoring connect from superseded attempt", "attempt", id, "device", device.Name)
		return
	}
	s.target = &device
	s.sender = sender
	s.connecting = false
	s.pendingPin = nil
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Info("Connected", "device", device.Name, "attempt", id)
	s.keepalive.Start()
	for _, l := range listeners {
		l.OnConnected(sender)
	}
}

func (s *Service) connectionFailed(id string) {
	s.mu.Lock()
	if !s.current(id) {
		s.mu.Unlock()
		s.logger.Debug("Ignoring failure from superseded attempt", "attempt", id)
		return
	}
	s.sender = nil
	s.attempt = nil
	s.connecting = false
	s.pendingPin = nil
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Warn("Connection attempt failed", "attempt", id)
	for _, l := range listeners {
		l.OnConnectionFailed()
	}
}

// connectionDisconnected is idempotent: only the first call for a connected
// target notifies listeners.
func (s *Service) connectionDisconnected(id string) {
	s.mu.Lock()
	if !s.current(id) {
		s.mu.Unlock()
		return
	}
	s.sender = nil
	s.attempt = nil
	s.connecting = false
	target := s.target
	s.target = nil
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.keepalive.Stop()
	if target == nil {
		return
	}
	s.logger.Info("Disconnected", "device", target.Name, "attempt", id)
	for _, l := range listeners {
		l.OnDisconnected()
	}
}

func (s *Service) secretRequired(id string, pin PinListener) {
	s.mu.Lock()
	if !s.current(id) {
		s.mu.Unlock()
		return
	}
	input := s.input
	if input == nil {
		s.mu.Unlock()
		s.logger.Warn("PIN required but no input listener attached, cancelling pairing", "attempt", id)
		pin.OnCancel()
		return
	}
	s.pendingPin = pin
	s.mu.Unlock()

	// Prompting may block on the user, so it runs off the connector's goroutine.
	task.Go(context.Background(), "pin-prompt", func(context.Context) (struct{}, error) {
		input.OnPinRequired(pin)
		return struct{}{}, nil
	})
}

func (s *Service) heartbeatAck(id string) {
	s.mu.Lock()
	ok := s.current(id)
	s.mu.Unlock()
	if ok {
		s.keepalive.OnAck()
	}
}

// attemptListener tags callbacks with the attempt that produced them so late
// callbacks from superseded attempts can be dropped.
type attemptListener struct {
	service *Service
	id      string
}

func (l *attemptListener) OnConnected(device proto.Device, sender Sender) {
	l.service.connected(l.id, device, sender)
}

func (l *attemptListener) OnConnectionFailed() {
	l.service.connectionFailed(l.id)
}

func (l *attemptListener) OnConnectionDisconnected() {
	l.service.connectionDisconnected(l.id)
}

func (l *attemptListener) OnSecretRequired(pin PinListener) {
	l.service.secretRequired(l.id, pin)
}

func (l *attemptListener) OnConnectionPairing() {
	l.service.logger.Info("Pairing with device", "attempt", l.id)
}

func (l *attemptListener) OnHeartbeatAck() {
	l.service.heartbeatAck(l.id)
}
