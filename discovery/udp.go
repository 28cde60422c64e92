package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// BroadcastPort is where devices listen for discovery queries.
	BroadcastPort = 9101

	udpQueryInterval = time.Second
	udpReadTimeout   = 250 * time.Millisecond
)

// QueryFor returns the discovery query for a service name.
func QueryFor(service string) string {
	return "DISCOVER " + service + "\n"
}

// ParseQuery returns the service name requested by a discovery query.
func ParseQuery(data []byte) (string, bool) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "DISCOVER") {
		return "", false
	}
	return fields[1], true
}

// FormatReply builds a device's answer to a discovery query.
func FormatReply(name, service string, port int) string {
	return fmt.Sprintf("%s %s %d\n", name, service, port)
}

// ParseReply parses "<name> <service> <port>". The name may contain spaces.
func ParseReply(data []byte) (name, service string, port int, err error) {
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return "", "", 0, fmt.Errorf("malformed reply %q", string(data))
	}
	port, err = strconv.Atoi(fields[len(fields)-1])
	if err != nil || port <= 0 || port > 65535 {
		return "", "", 0, fmt.Errorf("malformed port in reply %q", string(data))
	}
	service = fields[len(fields)-2]
	name = strings.Join(fields[:len(fields)-2], " ")
	return name, service, port, nil
}

// UDPBroadcaster sends discovery queries to the broadcast address and turns
// replies into advertisements.
type UDPBroadcaster struct {
	target   *net.UDPAddr
	service  string
	listener func(Advertisement)
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

// UDPBroadcasterFactory returns a BroadcasterFactory that queries port on the
// broadcast address.
func UDPBroadcasterFactory(port int) BroadcasterFactory {
	return func(broadcast net.IP, serviceName string) (Broadcaster, error) {
		if broadcast == nil {
			return nil, errors.New("no broadcast address")
		}
		return &UDPBroadcaster{
			target:  &net.UDPAddr{IP: broadcast, Port: port},
			service: serviceName,
			stop:    make(chan struct{}),
		}, nil
	}
}

func (b *UDPBroadcaster) SetDeviceDiscoveredListener(fn func(Advertisement)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = fn
}

func (b *UDPBroadcaster) Run() error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("listen for discovery replies: %w", err)
	}
	defer conn.Close()

	p := ipv4.NewPacketConn(conn)
	if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		// Not supported everywhere; replies still work without it.
		slog.Debug("Control messages unavailable", "error", err)
	}

	query := []byte(QueryFor(b.service))
	buf := make([]byte, 1500)
	var lastQuery time.Time

	for {
		select {
		case <-b.stop:
			return nil
		default:
		}

		if time.Since(lastQuery) >= udpQueryInterval {
			if _, err := p.WriteTo(query, nil, b.target); err != nil {
				slog.Warn("Failed to send discovery query", "target", b.target.String(), "error", err)
			}
			lastQuery = time.Now()
		}

		if err := p.SetReadDeadline(time.Now().Add(udpReadTimeout)); err != nil {
			return err
		}
		n, cm, src, err := p.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return fmt.Errorf("read discovery reply: %w", err)
		}
		b.handleReply(buf[:n], cm, src)
	}
}

func (b *UDPBroadcaster) handleReply(data []byte, cm *ipv4.ControlMessage, src net.Addr) {
	name, service, port, err := ParseReply(data)
	if err != nil {
		slog.Debug("Ignoring discovery packet", "src", src.String(), "error", err)
		return
	}
	if service != b.service {
		return
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}

	attrs := []any{"service_name", name, "address", udpAddr.IP.String(), "port", port}
	if cm != nil {
		attrs = append(attrs, "ifindex", cm.IfIndex)
	}
	slog.Debug("Received broadcast advertisement", attrs...)

	b.mu.Lock()
	fn := b.listener
	b.mu.Unlock()
	if fn != nil {
		fn(Advertisement{ServiceName: name, Address: udpAddr.IP, Port: port})
	}
}

func (b *UDPBroadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}
