package proto

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultPort is the control port assumed for manually entered devices.
	DefaultPort = 9551
	// DefaultDeviceName names manually entered devices.
	DefaultDeviceName = "GTV device"
)

// Device describes a remote endpoint. Two devices are the same device when
// their names match, whatever their address.
type Device struct {
	Name    string `json:"name"`
	Address net.IP `json:"address"`
	Port    int    `json:"port"`
}

func (d Device) Equal(other Device) bool {
	return d.Name == other.Name
}

// HostPort returns the dialable "host:port" form of the device address.
func (d Device) HostPort() string {
	return net.JoinHostPort(d.Address.String(), strconv.Itoa(d.Port))
}

func (d Device) String() string {
	return d.Name + " (" + d.HostPort() + ")"
}

func (d Device) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("device name is required")
	}
	if d.Address == nil || d.Address.IsUnspecified() {
		return errors.New("device address is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return errors.New("device port must be between 1 and 65535")
	}
	return nil
}

// ParseDevice builds a device from a manually entered host and optional
// port. host may also be in "host:port" form. Empty name and port fall back
// to DefaultDeviceName and DefaultPort.
func ParseDevice(name, host string, port int) (Device, error) {
	host = strings.TrimSpace(host)
	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Device{}, errors.New("invalid port in address " + strconv.Quote(host))
		}
		host, port = h, n
	}
	if port == 0 {
		port = DefaultPort
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultDeviceName
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Device{}, errors.New("invalid IP address " + strconv.Quote(host))
	}
	d := Device{Name: name, Address: ip, Port: port}
	if err := d.Validate(); err != nil {
		return Device{}, err
	}
	return d, nil
}
