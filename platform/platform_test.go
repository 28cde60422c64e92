package platform

import (
	"context"
	"errors"
	"net"
	"testing"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lister(ifaces psnet.InterfaceStatList, err error) InterfaceLister {
	return func(context.Context) (psnet.InterfaceStatList, error) {
		return ifaces, err
	}
}

func iface(name string, flags []string, addrs ...string) psnet.InterfaceStat {
	list := make(psnet.InterfaceAddrList, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, psnet.InterfaceAddr{Addr: a})
	}
	return psnet.InterfaceStat{Name: name, Flags: flags, Addrs: list}
}

func TestHost_BroadcastAddress(t *testing.T) {
	h := NewHostWithLister(lister(psnet.InterfaceStatList{
		iface("lo", []string{"up", "loopback"}, "127.0.0.1/8"),
		iface("docker0", []string{"up", "broadcast"}, "172.17.0.1/16"),
		iface("wlan0", []string{"up", "broadcast"}, "fe80::1/64", "192.168.1.23/24"),
	}, nil), "test")

	ip, ok := h.BroadcastAddress()
	require.True(t, ok)
	assert.True(t, ip.Equal(net.ParseIP("192.168.1.255")), "got %s", ip)
}

func TestHost_BroadcastAddress_FirstWhenNoPreferred(t *testing.T) {
	h := NewHostWithLister(lister(psnet.InterfaceStatList{
		iface("docker0", []string{"up", "broadcast"}, "172.17.0.1/16"),
		iface("br0", []string{"up", "broadcast"}, "10.1.2.3/8"),
	}, nil), "test")

	ip, ok := h.BroadcastAddress()
	require.True(t, ok)
	assert.True(t, ip.Equal(net.ParseIP("172.17.255.255")), "got %s", ip)
}

func TestHost_BroadcastAddress_NoUsableInterface(t *testing.T) {
	h := NewHostWithLister(lister(psnet.InterfaceStatList{
		iface("lo", []string{"up", "loopback"}, "127.0.0.1/8"),
		iface("eth0", []string{"broadcast"}, "192.168.1.2/24"),
		iface("eth1", []string{"up"}, "0.1.2.3/24"),
	}, nil), "test")

	_, ok := h.BroadcastAddress()
	assert.False(t, ok)

	h = NewHostWithLister(lister(nil, errors.New("boom")), "test")
	_, ok = h.BroadcastAddress()
	assert.False(t, ok)
}

func TestHost_Strings(t *testing.T) {
	h := NewHostWithLister(lister(nil, nil), "box-1")
	assert.Equal(t, "box-1", h.String(UniqueID))
	assert.Equal(t, "wired", h.String(NetworkName))
	assert.Equal(t, "", h.String(StringID(42)))
}
