package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/simulator"
)

func TestPairingWithPin(t *testing.T) {
	sim := startDevice(t, simulator.Options{Name: "GTV", Pin: "1234"})
	remote := newStack(t, stackOptions{platformID: "pairing-client"})
	u := &user{pin: "1234"}
	remote.AttachInputListener(u)

	remote.ConnectDevice(sim.Device())
	waitState(t, remote, client.StateConnected)
	assert.Equal(t, 1, u.prompts())

	// A paired client is not asked again.
	remote.Disconnect()
	remote.ConnectDevice(sim.Device())
	waitState(t, remote, client.StateConnected)
	assert.Equal(t, 1, u.prompts())
}

func TestPairingWrongPinFails(t *testing.T) {
	sim := startDevice(t, simulator.Options{Name: "GTV", Pin: "1234"})
	remote := newStack(t, stackOptions{platformID: "wrong-pin-client"})
	ev := &events{}
	remote.AttachClientListener(ev)
	remote.AttachInputListener(&user{pin: "0000"})

	remote.ConnectDevice(sim.Device())
	require.Eventually(t, func() bool { return ev.count("failed") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, client.StateIdle, remote.Status().State)
	assert.Equal(t, 0, sim.Sessions())
}

func TestPairingRefusedByUser(t *testing.T) {
	sim := startDevice(t, simulator.Options{Name: "GTV", Pin: "1234"})
	remote := newStack(t, stackOptions{platformID: "refusing-client"})
	ev := &events{}
	remote.AttachClientListener(ev)
	u := &user{}
	remote.AttachInputListener(u)

	remote.ConnectDevice(sim.Device())
	require.Eventually(t, func() bool { return ev.count("failed") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, u.prompts())
	assert.Equal(t, client.StateIdle, remote.Status().State)
}

func TestPairingWithoutInputListenerFails(t *testing.T) {
	sim := startDevice(t, simulator.Options{Name: "GTV", Pin: "1234"})
	remote := newStack(t, stackOptions{platformID: "headless-client"})
	ev := &events{}
	remote.AttachClientListener(ev)

	remote.ConnectDevice(sim.Device())
	require.Eventually(t, func() bool { return ev.count("failed") == 1 }, 3*time.Second, 10*time.Millisecond)
}
