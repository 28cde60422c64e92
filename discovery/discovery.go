package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/goremote/actor"
	"github.com/mbocsi/goremote/platform"
	"github.com/mbocsi/goremote/proto"
)

const (
	// ServiceName is the advertised name of the remote control service.
	ServiceName = "_anymote._tcp"
	// DefaultWindow is how long a scan listens for advertisements.
	DefaultWindow = 3 * time.Second
	// DefaultStopWait bounds how long a scan waits for its listener to exit.
	DefaultStopWait = time.Second
)

// Advertisement is a device announcing itself on the local network.
type Advertisement struct {
	ServiceName string
	Address     net.IP
	Port        int
}

// Broadcaster searches the network for advertisements. Run blocks until Stop
// is called.
type Broadcaster interface {
	SetDeviceDiscoveredListener(func(Advertisement))
	Run() error
	Stop()
}

// BroadcasterFactory builds a broadcaster for one scan.
type BroadcasterFactory func(broadcast net.IP, serviceName string) (Broadcaster, error)

type Options struct {
	ServiceName string
	Window      time.Duration
	StopWait    time.Duration
	Logger      *slog.Logger
}

type event int

const (
	eventDeviceFound event = iota
	eventBroadcastTimeout
)

func (e event) String() string {
	switch e {
	case eventDeviceFound:
		return "device_found"
	case eventBroadcastTimeout:
		return "broadcast_timeout"
	default:
		return "unknown"
	}
}

// scan is one discovery window. devices and finished are only touched by the
// service actor; done is closed once the result is final.
type scan struct {
	broadcaster Broadcaster
	exited      chan struct{}
	done        chan struct{}
	once        sync.Once
	devices     []proto.Device
	finished    bool
}

func (sc *scan) finish() {
	sc.once.Do(func() { close(sc.done) })
}

type foundEvent struct {
	scan *scan
	adv  Advertisement
}

// Service discovers devices on the local network. One Service should
// coordinate all discovery in a process.
type Service struct {
	platform       platform.Platform
	newBroadcaster BroadcasterFactory
	serviceName    string
	window         time.Duration
	stopWait       time.Duration
	logger         *slog.Logger

	actor *actor.Actor[event]

	mu     sync.Mutex
	active *scan
	closed bool
}

func NewService(p platform.Platform, factory BroadcasterFactory, opts *Options) (*Service, error) {
	if p == nil {
		return nil, errors.New("discovery: platform is required")
	}
	if factory == nil {
		return nil, errors.New("discovery: broadcaster factory is required")
	}

	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.ServiceName == "" {
		o.ServiceName = ServiceName
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.StopWait <= 0 {
		o.StopWait = DefaultStopWait
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	s := &Service{
		platform:       p,
		newBroadcaster: factory,
		serviceName:    o.ServiceName,
		window:         o.Window,
		stopWait:       o.StopWait,
		logger:         o.Logger.With("component", "discovery"),
	}
	s.actor = actor.New("discovery", s.handle, actor.WithLogger(o.Logger))
	s.actor.Start()
	return s, nil
}

// DiscoverDevices scans the network for one discovery window and returns the
// devices found, deduplicated by name. It blocks the caller for the window.
// If ctx ends first the result is empty.
func (s *Service) DiscoverDevices(ctx context.Context) []proto.Device {
	bcast, ok := s.platform.BroadcastAddress()
	if !ok {
		s.logger.Info("No broadcast address available, skipping scan")
		return []proto.Device{}
	}

	sc, err := s.startScan(bcast)
	if err != nil {
		s.logger.Warn("Failed to start scan", "broadcast", bcast.String(), "error", err)
		return []proto.Device{}
	}

	select {
	case <-sc.done:
		return slices.Clone(sc.devices)
	case <-ctx.Done():
		// The actor may still be appending to sc.devices.
		s.logger.Warn("Interrupted while scanning for devices", "error", ctx.Err())
		return []proto.Device{}
	}
}

func (s *Service) startScan(bcast net.IP) (*scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, actor.ErrTerminated
	}
	if s.active != nil {
		return s.active, nil
	}

	b, err := s.newBroadcaster(bcast, s.serviceName)
	if err != nil {
		return nil, err
	}

	sc := &scan{
		broadcaster: b,
		exited:      make(chan struct{}),
		done:        make(chan struct{}),
		devices:     []proto.Device{},
	}
	b.SetDeviceDiscoveredListener(func(adv Advertisement) {
		if err := s.actor.Submit(actor.Message[event]{Kind: eventDeviceFound, Payload: foundEvent{scan: sc, adv: adv}}); err != nil {
			s.logger.Debug("Dropped advertisement", "service_name", adv.ServiceName, "error", err)
		}
	})

	s.logger.Info("Enabling broadcast", "broadcast", bcast.String(), "service", s.serviceName, "window", s.window)
	go func() {
		defer close(sc.exited)
		if err := b.Run(); err != nil {
			s.logger.Warn("Broadcast listener failed", "error", err)
		}
	}()

	if err := s.actor.SubmitDelayed(actor.Message[event]{Kind: eventBroadcastTimeout, Payload: sc}, s.window); err != nil {
		b.Stop()
		return nil, err
	}
	s.active = sc
	return sc, nil
}

func (s *Service) handle(msg actor.Message[event]) {
	switch msg.Kind {
	case eventDeviceFound:
		ev := msg.Payload.(foundEvent)
		s.onDeviceFound(ev.scan, ev.adv)
	case eventBroadcastTimeout:
		s.onScanComplete(msg.Payload.(*scan))
	}
}

func (s *Service) onDeviceFound(sc *scan, adv Advertisement) {
	if sc.finished {
		return
	}
	dev := deviceFromAdvertisement(adv)
	for _, d := range sc.devices {
		if d.Equal(dev) {
			return
		}
	}
	s.logger.Info("Found device", "name", dev.Name, "address", dev.Address.String(), "port", dev.Port)
	sc.devices = append(sc.devices, dev)
}

func (s *Service) onScanComplete(sc *scan) {
	s.stopScan(sc)
	sc.finished = true

	s.mu.Lock()
	if s.active == sc {
		s.active = nil
	}
	s.mu.Unlock()

	s.logger.Info("Scan complete", "devices", len(sc.devices))
	sc.finish()
}

func (s *Service) stopScan(sc *scan) {
	s.logger.Info("Disabling broadcast")
	sc.broadcaster.Stop()
	select {
	case <-sc.exited:
	case <-time.After(s.stopWait):
		s.logger.Warn("Timeout while waiting for broadcast listener to exit", "wait", s.stopWait)
	}
}

// Close stops any running scan and the service actor. Callers blocked in
// DiscoverDevices return with whatever the scan had collected.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sc := s.active
	s.active = nil
	s.mu.Unlock()

	s.actor.Stop()
	if sc != nil {
		sc.broadcaster.Stop()
		sc.finish()
	}
}

func deviceFromAdvertisement(adv Advertisement) proto.Device {
	return proto.Device{Name: adv.ServiceName, Address: adv.Address, Port: adv.Port}
}
