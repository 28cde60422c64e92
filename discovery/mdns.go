package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const mdnsQueryInterval = 500 * time.Millisecond

// MDNSBroadcaster finds devices advertising the service over mDNS. Queries
// are repeated until Stop so that late responders are still picked up.
type MDNSBroadcaster struct {
	service   string
	iface     *net.Interface
	listener  func(Advertisement)
	stop      chan struct{}
	stopOnce  sync.Once
	listenerM sync.Mutex
}

// NewMDNSBroadcaster is a BroadcasterFactory.
func NewMDNSBroadcaster(broadcast net.IP, serviceName string) (Broadcaster, error) {
	iface, err := interfaceFor(broadcast)
	if err != nil {
		slog.Debug("Falling back to default mDNS interface", "broadcast", broadcast.String(), "error", err)
	}
	return &MDNSBroadcaster{
		service: serviceName,
		iface:   iface,
		stop:    make(chan struct{}),
	}, nil
}

func (b *MDNSBroadcaster) SetDeviceDiscoveredListener(fn func(Advertisement)) {
	b.listenerM.Lock()
	defer b.listenerM.Unlock()
	b.listener = fn
}

func (b *MDNSBroadcaster) Run() error {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for entry := range entriesCh {
			b.handleEntry(entry)
		}
	}()
	defer func() {
		close(entriesCh)
		<-consumed
	}()

	for {
		select {
		case <-b.stop:
			return nil
		default:
		}

		params := mdns.DefaultParams(b.service)
		params.Entries = entriesCh
		params.Timeout = mdnsQueryInterval
		params.Interface = b.iface
		if err := mdns.Query(params); err != nil {
			return fmt.Errorf("mDNS query for %s: %w", b.service, err)
		}
	}
}

func (b *MDNSBroadcaster) handleEntry(entry *mdns.ServiceEntry) {
	if entry == nil {
		return
	}

	var address net.IP
	if entry.AddrV4 != nil {
		address = entry.AddrV4
	} else if entry.AddrV6 != nil {
		address = entry.AddrV6
	} else {
		slog.Debug("Ignoring mDNS entry without address", "name", entry.Name)
		return
	}

	adv := Advertisement{
		ServiceName: instanceName(entry.Name, b.service),
		Address:     address,
		Port:        entry.Port,
	}
	slog.Debug("Received mDNS advertisement", "service_name", adv.ServiceName, "address", adv.Address.String(), "port", adv.Port)

	b.listenerM.Lock()
	fn := b.listener
	b.listenerM.Unlock()
	if fn != nil {
		fn(adv)
	}
}

func (b *MDNSBroadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// instanceName strips the service and domain labels from an mDNS entry name,
// e.g. "Living Room._anymote._tcp.local." becomes "Living Room".
func instanceName(entryName, service string) string {
	name := strings.TrimSuffix(entryName, ".")
	if i := strings.Index(name, "."+service); i > 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}

// interfaceFor returns the interface whose IPv4 network contains the
// broadcast address.
func interfaceFor(broadcast net.IP) (*net.Interface, error) {
	if broadcast == nil {
		return nil, fmt.Errorf("no broadcast address")
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && ipnet.IP.To4() != nil && ipnet.Contains(broadcast) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface owns %s", broadcast)
}

// Advertiser publishes a device over mDNS until Shutdown.
type Advertiser struct {
	server *mdns.Server
}

// Advertise announces instance as a provider of service on port. ips may be
// nil, in which case the host name is resolved.
func Advertise(instance, service string, port int, ips []net.IP, info []string) (*Advertiser, error) {
	svc, err := mdns.NewMDNSService(instance, service, "", "", port, ips, info)
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}
	slog.Info("Advertising device", "instance", instance, "service", service, "port", port)
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}
