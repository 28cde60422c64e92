package services

import (
	"context"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/proto"
)

// Remote is the part of client.Service the service layer drives.
type Remote interface {
	ConnectDevice(device proto.Device) bool
	Reconnect()
	CancelConnection()
	Disconnect()
	CurrentDevice() (proto.Device, bool)
	SendCommand(topic string, payload any) error
	Status() client.Status
	DiscoverDevices(ctx context.Context) []proto.Device
	AttachClientListener(l client.ClientListener)
	DetachClientListener(l client.ClientListener)
}

// DeviceService handles device discovery and lookup
type DeviceService interface {
	DiscoverDevices(ctx context.Context) ([]DeviceInfo, error)
	KnownDevices() []DeviceInfo
	FindDevice(name string) (proto.Device, error)
	CurrentDevice() (*DeviceInfo, error)
}

// ConnectionService drives the connection lifecycle
type ConnectionService interface {
	Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error)
	Reconnect() error
	Cancel()
	Disconnect()
	Status() StatusInfo
}

// MessagingService delivers commands to the connected device
type MessagingService interface {
	SendCommand(topic string, payload any) error
}

// EventService exposes connection lifecycle events
type EventService interface {
	Recent(n int) []EventInfo
	Subscribe() (<-chan EventInfo, func())
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Device     DeviceService
	Connection ConnectionService
	Messaging  MessagingService
	Events     EventService
}
