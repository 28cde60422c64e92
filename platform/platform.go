package platform

import (
	"context"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

type StringID int

const (
	Name StringID = iota
	CertificateName
	UniqueID
	NetworkName
)

// Platform supplies host facts the engine needs but does not own.
type Platform interface {
	// BroadcastAddress returns the IPv4 broadcast address of the preferred
	// network interface, or false if no usable interface is up.
	BroadcastAddress() (net.IP, bool)
	String(id StringID) string
	VersionCode() int
}

// InterfaceLister enumerates network interfaces. It matches
// gopsutil's net.InterfacesWithContext.
type InterfaceLister func(ctx context.Context) (psnet.InterfaceStatList, error)

type Host struct {
	interfaces InterfaceLister
	hostname   string
}

func NewHost() *Host {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "emulator"
	}
	return &Host{interfaces: psnet.InterfacesWithContext, hostname: hostname}
}

// NewHostWithLister is used by tests to feed a fixed interface table.
func NewHostWithLister(lister InterfaceLister, hostname string) *Host {
	return &Host{interfaces: lister, hostname: hostname}
}

func (h *Host) BroadcastAddress() (net.IP, bool) {
	ifaces, err := h.interfaces(context.Background())
	if err != nil {
		slog.Warn("Failed to list network interfaces", "error", err)
		return nil, false
	}

	var selected net.IP
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, ipnet, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			ip4 := ip.To4()
			if ip4 == nil || ip4[0] == 0 {
				continue
			}
			bcast := broadcastOf(ip4, ipnet.Mask)
			if selected == nil || preferred(iface.Name) {
				selected = bcast
			}
		}
	}

	if selected == nil {
		return nil, false
	}
	return selected, true
}

// preferred reports whether the interface is wireless or primary ethernet.
func preferred(name string) bool {
	return strings.HasPrefix(name, "wlan") || strings.HasPrefix(name, "en")
}

func broadcastOf(ip net.IP, mask net.IPMask) net.IP {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

func (h *Host) String(id StringID) string {
	switch id {
	case Name:
		return "Go"
	case CertificateName:
		return "go"
	case UniqueID:
		return h.hostname
	case NetworkName:
		return "wired"
	default:
		return ""
	}
}

func (h *Host) VersionCode() int {
	return 1
}

// Static is a fixed Platform, mostly for tests and manual configuration.
type Static struct {
	Broadcast net.IP
	Strings   map[StringID]string
	Version   int
}

func (s *Static) BroadcastAddress() (net.IP, bool) {
	if s.Broadcast == nil {
		return nil, false
	}
	return s.Broadcast, true
}

func (s *Static) String(id StringID) string {
	return s.Strings[id]
}

func (s *Static) VersionCode() int {
	return s.Version
}
