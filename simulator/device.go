package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbocsi/goremote/discovery"
	"github.com/mbocsi/goremote/proto"
)

// Options configure a simulated device. Zero values give a TCP device named
// proto.DefaultDeviceName on an ephemeral loopback port, without PIN and
// without discovery responders.
type Options struct {
	Name          string       // Advertised device name
	Addr          string       // Listen address (defaults to "127.0.0.1:0")
	Protocol      string       // "tcp" (default) or "ws"
	Pin           string       // PIN required from clients not paired yet; empty disables pairing
	DiscoveryAddr string       // UDP address for DISCOVER queries; empty disables the responder
	Advertise     bool         // Announce the device over mDNS
	MaxClients    int          // Defaults to 16
	Logger        *slog.Logger // Optional (defaults to slog.Default())
}

// Command is a command message the device received.
type Command struct {
	Sender  string          `json:"sender"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Device is a stand-in for a remote-controllable device. It speaks the
// control channel protocol, answers discovery queries and records what
// clients send it.
type Device struct {
	name       string
	addr       string
	protocol   string
	pin        string
	discAddr   string
	advertise  bool
	maxClients int
	logger     *slog.Logger

	acks  atomic.Bool
	pings atomic.Int64

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	udp        net.PacketConn
	advertiser *discovery.Advertiser
	sessions   map[string]*session
	paired     map[string]struct{}
	commands   []Command
	closed     chan struct{}
}

func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = proto.DefaultDeviceName
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Protocol == "" {
		opts.Protocol = "tcp"
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Device{
		name:       opts.Name,
		addr:       opts.Addr,
		protocol:   opts.Protocol,
		pin:        opts.Pin,
		discAddr:   opts.DiscoveryAddr,
		advertise:  opts.Advertise,
		maxClients: opts.MaxClients,
		logger:     opts.Logger.With("component", "simulator", "device", opts.Name),
		sessions:   make(map[string]*session),
		paired:     make(map[string]struct{}),
		closed:     make(chan struct{}),
	}
	d.acks.Store(true)
	return d
}

// Listen binds the control and discovery sockets. Serve must be called to
// accept clients.
func (d *Device) Listen() error {
	if d.protocol != "tcp" && d.protocol != "ws" {
		return fmt.Errorf("simulator: unsupported protocol %q", d.protocol)
	}

	l, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()

	if d.discAddr != "" {
		pc, err := net.ListenPacket("udp4", d.discAddr)
		if err != nil {
			l.Close()
			return fmt.Errorf("simulator: discovery listener: %w", err)
		}
		d.mu.Lock()
		d.udp = pc
		d.mu.Unlock()
		go d.answerDiscovery(pc)
	}

	if d.advertise {
		tcpAddr := l.Addr().(*net.TCPAddr)
		var ips []net.IP
		if !tcpAddr.IP.IsUnspecified() {
			ips = []net.IP{tcpAddr.IP}
		}
		adv, err := discovery.Advertise(d.name, discovery.ServiceName, tcpAddr.Port, ips, []string{"protocol=" + d.protocol})
		if err != nil {
			d.logger.Warn("Failed to advertise over mDNS", "error", err)
		} else {
			d.mu.Lock()
			d.advertiser = adv
			d.mu.Unlock()
		}
	}

	d.logger.Info("Simulated device listening", "addr", l.Addr().String(), "protocol", d.protocol)
	return nil
}

// Serve accepts clients until Shutdown. It returns nil after Shutdown.
func (d *Device) Serve() error {
	d.mu.Lock()
	l := d.listener
	d.mu.Unlock()
	if l == nil {
		return errors.New("simulator: Listen must be called before Serve")
	}

	if d.protocol == "ws" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", d.handleWebSocket)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		d.mu.Lock()
		d.httpServer = srv
		d.mu.Unlock()
		err := srv.Serve(l)
		select {
		case <-d.closed:
			return nil
		default:
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-d.closed:
				return nil
			default:
				return err
			}
		}
		if !d.admit() {
			d.logger.Warn("Max clients reached, rejecting connection", "remote_addr", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go d.handleSession(newTCPConn(conn), conn.RemoteAddr().String())
	}
}

// Start is Listen followed by Serve on a new goroutine.
func (d *Device) Start() error {
	if err := d.Listen(); err != nil {
		return err
	}
	go func() {
		if err := d.Serve(); err != nil {
			d.logger.Error("Simulated device stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound control address, or nil before Listen.
func (d *Device) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Port is the bound control port, or 0 before Listen.
func (d *Device) Port() int {
	addr, ok := d.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// DiscoveryPort is the bound UDP discovery port, or 0 when disabled.
func (d *Device) DiscoveryPort() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.udp == nil {
		return 0
	}
	return d.udp.LocalAddr().(*net.UDPAddr).Port
}

// Device describes this simulator the way discovery would.
func (d *Device) Device() proto.Device {
	dev := proto.Device{Name: d.name, Port: d.Port()}
	if addr, ok := d.Addr().(*net.TCPAddr); ok {
		dev.Address = addr.IP
	}
	return dev
}

// SetAcks switches heartbeat acknowledgments on or off.
func (d *Device) SetAcks(enabled bool) {
	d.acks.Store(enabled)
}

// Pings is the number of heartbeats received so far.
func (d *Device) Pings() int {
	return int(d.pings.Load())
}

func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.commands...)
}

// Sessions is the number of identified clients currently connected.
func (d *Device) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if s.identified {
			n++
		}
	}
	return n
}

// DropClients closes every client connection, as if the device rebooted.
func (d *Device) DropClients() {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.conn.close()
	}
}

// Forget drops all remembered pairings.
func (d *Device) Forget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paired = make(map[string]struct{})
}

func (d *Device) Shutdown() error {
	d.mu.Lock()
	select {
	case <-d.closed:
		d.mu.Unlock()
		return nil
	default:
		close(d.closed)
	}
	l, srv, udp, adv := d.listener, d.httpServer, d.udp, d.advertiser
	d.mu.Unlock()

	d.logger.Info("Shutting down simulated device")
	d.DropClients()
	if udp != nil {
		udp.Close()
	}
	if adv != nil {
		if err := adv.Shutdown(); err != nil {
			d.logger.Warn("Failed to stop mDNS advertiser", "error", err)
		}
	}
	if srv != nil {
		return srv.Close()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

func (d *Device) admit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions) < d.maxClients
}

func (d *Device) answerDiscovery(pc net.PacketConn) {
	buf := make([]byte, 1500)
	for {
		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		service, ok := discovery.ParseQuery(buf[:n])
		if !ok || service != discovery.ServiceName {
			continue
		}
		reply := discovery.FormatReply(d.name, discovery.ServiceName, d.Port())
		if _, err := pc.WriteTo([]byte(reply), src); err != nil {
			d.logger.Debug("Failed to answer discovery query", "to", src.String(), "error", err)
		}
	}
}

type session struct {
	id         string
	conn       conn
	identified bool
	uniqueID   string
	awaitPin   bool
}

func (d *Device) handleSession(c conn, remote string) {
	s := &session{id: "client-" + uuid.NewString(), conn: c}
	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()
	d.logger.Info("Client connected", "addr", remote, "id", s.id)

	defer func() {
		d.mu.Lock()
		delete(d.sessions, s.id)
		d.mu.Unlock()
		c.close()
		d.logger.Info("Client disconnected", "addr", remote, "id", s.id)
	}()

	for {
		msg, err := c.read()
		if err != nil {
			return
		}
		d.logger.Debug("Message received", "type", msg.Type, "topic", msg.Topic, "sender", s.id, "size", len(msg.Payload))
		if !d.handleMessage(s, msg) {
			return
		}
	}
}

// handleMessage reports false when the session must end.
func (d *Device) handleMessage(s *session, msg proto.Message) bool {
	switch msg.Type {
	case proto.TypeIdentify:
		var id proto.IdentifyPayload
		if err := json.Unmarshal(msg.Payload, &id); err != nil {
			d.logger.Warn("Invalid identify payload", "error", err)
			return d.reply(s, proto.TypeIdentifyAck, proto.IdAckPayload{Status: proto.StatusRejected}) == nil
		}
		s.uniqueID = id.UniqueID
		if d.needsPin(id.UniqueID) {
			s.awaitPin = true
			return d.reply(s, proto.TypePinRequired, nil) == nil
		}
		return d.accept(s)

	case proto.TypePin:
		if !s.awaitPin {
			d.logger.Warn("Unexpected pin", "sender", s.id)
			return true
		}
		var p proto.PinPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Pin != d.pin {
			d.logger.Info("Wrong PIN", "sender", s.id)
			_ = d.reply(s, proto.TypeIdentifyAck, proto.IdAckPayload{Status: proto.StatusRejected})
			return false
		}
		s.awaitPin = false
		if err := d.reply(s, proto.TypePairing, nil); err != nil {
			return false
		}
		d.mu.Lock()
		d.paired[s.uniqueID] = struct{}{}
		d.mu.Unlock()
		return d.accept(s)

	case proto.TypePing:
		if !s.identified {
			return true
		}
		d.pings.Add(1)
		if d.acks.Load() {
			return d.reply(s, proto.TypeAck, nil) == nil
		}
		return true

	case proto.TypeCommand:
		if !s.identified {
			d.logger.Warn("Command before identify", "sender", s.id)
			return true
		}
		d.mu.Lock()
		d.commands = append(d.commands, Command{Sender: s.id, Topic: msg.Topic, Payload: msg.Payload})
		d.mu.Unlock()
		return true

	default:
		d.logger.Warn("Unknown message type", "type", msg.Type)
		return true
	}
}

func (d *Device) needsPin(uniqueID string) bool {
	if d.pin == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.paired[uniqueID]
	return !ok
}

func (d *Device) accept(s *session) bool {
	d.mu.Lock()
	s.identified = true
	d.mu.Unlock()
	return d.reply(s, proto.TypeIdentifyAck, proto.IdAckPayload{AssignedId: s.id, Status: proto.StatusOK}) == nil
}

func (d *Device) reply(s *session, msgType string, payload any) error {
	msg, err := proto.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	if err := s.conn.send(msg); err != nil {
		d.logger.Warn("Failed to send message", "type", msgType, "sender", s.id, "error", err)
		return err
	}
	return nil
}

// ParseAddr accepts a plain port number as shorthand for ":port".
func ParseAddr(addr string) string {
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr
}
