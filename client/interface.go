package client

import (
	"context"

	"github.com/mbocsi/goremote/proto"
)

// Sender is the proxy for talking to a connected device.
type Sender interface {
	SendHeartbeat()
}

// CommandSender is a Sender that can also deliver device commands.
type CommandSender interface {
	Sender
	SendCommand(topic string, payload any) error
}

// ClientListener observes the connection lifecycle.
type ClientListener interface {
	OnConnected(sender Sender)
	OnDisconnected()
	OnConnectionFailed()
}

// InputListener is asked whenever the engine needs a decision from the user.
type InputListener interface {
	OnDiscoveringDevices()
	OnSelectDevice(devices []proto.Device, listener DeviceSelectListener)
	OnPinRequired(listener PinListener)
}

type DeviceSelectListener interface {
	OnDeviceSelected(device proto.Device)
	OnDeviceSelectCancelled()
}

// PinListener receives the pairing PIN the user typed, or the user's refusal.
type PinListener interface {
	OnSecret(pin string)
	OnCancel()
}

// ConnectionListener receives the outcome of a connection attempt.
type ConnectionListener interface {
	OnConnected(device proto.Device, sender Sender)
	OnConnectionFailed()
	OnConnectionDisconnected()
	OnSecretRequired(listener PinListener)
	OnConnectionPairing()
	OnHeartbeatAck()
}

// Attempt is one try at opening a control channel. Cancel may be called any
// number of times; after it returns the attempt reports nothing further.
type Attempt interface {
	Start()
	Cancel()
}

// Connector creates connection attempts. Connect must not call the listener
// before Start is called on the returned attempt.
type Connector interface {
	Connect(device proto.Device, listener ConnectionListener) Attempt
}

type Discoverer interface {
	DiscoverDevices(ctx context.Context) []proto.Device
}
