package integration

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/connection"
	"github.com/mbocsi/goremote/discovery"
	"github.com/mbocsi/goremote/keepalive"
	"github.com/mbocsi/goremote/logging"
	"github.com/mbocsi/goremote/platform"
	"github.com/mbocsi/goremote/proto"
	"github.com/mbocsi/goremote/simulator"
)

var quiet = logging.New(logging.SuppressedConfig())

func testPlatform(id string) *platform.Static {
	return &platform.Static{
		Broadcast: net.ParseIP("127.0.0.1"),
		Strings: map[platform.StringID]string{
			platform.Name:     "Integration",
			platform.UniqueID: id,
		},
	}
}

// startDevice runs a simulated device for the duration of the test.
func startDevice(t *testing.T, opts simulator.Options) *simulator.Device {
	t.Helper()
	opts.Logger = quiet
	sim := simulator.New(opts)
	require.NoError(t, sim.Start())
	t.Cleanup(func() { sim.Shutdown() })
	return sim
}

type stackOptions struct {
	protocol      string
	discoveryPort int
	keepalive     *keepalive.Options
	platformID    string
}

// newStack wires the real discovery, connector and client service the way
// the daemon does.
func newStack(t *testing.T, opts stackOptions) *client.Service {
	t.Helper()
	if opts.platformID == "" {
		opts.platformID = "integration-client"
	}
	host := testPlatform(opts.platformID)

	disc, err := discovery.NewService(host, discovery.UDPBroadcasterFactory(opts.discoveryPort), &discovery.Options{
		Window:   200 * time.Millisecond,
		StopWait: 50 * time.Millisecond,
		Logger:   quiet,
	})
	require.NoError(t, err)

	newTransport, ok := connection.TransportFor(opts.protocol)
	require.True(t, ok)
	conn, err := connection.NewConnector(&connection.Options{
		Platform:        host,
		NewTransport:    newTransport,
		IdentifyTimeout: time.Second,
		Logger:          quiet,
	})
	require.NoError(t, err)

	remote, err := client.NewService(client.ServiceOptions{
		Connector: conn,
		Discovery: disc,
		Keepalive: opts.keepalive,
		Logger:    quiet,
	})
	require.NoError(t, err)
	t.Cleanup(remote.Close)
	return remote
}

// events records client lifecycle notifications in order.
type events struct {
	mu   sync.Mutex
	seen []string
}

func (e *events) record(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, name)
}

func (e *events) OnConnected(client.Sender) { e.record("connected") }
func (e *events) OnDisconnected()           { e.record("disconnected") }
func (e *events) OnConnectionFailed()       { e.record("failed") }

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seen...)
}

func (e *events) count(name string) int {
	n := 0
	for _, s := range e.list() {
		if s == name {
			n++
		}
	}
	return n
}

// user plays the person in front of the client: it picks a device by name
// and types a PIN when asked.
type user struct {
	pick string
	pin  string

	mu          sync.Mutex
	discovering int
	offered     []proto.Device
	pinPrompts  int
}

func (u *user) OnDiscoveringDevices() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.discovering++
}

func (u *user) OnSelectDevice(devices []proto.Device, l client.DeviceSelectListener) {
	u.mu.Lock()
	u.offered = devices
	u.mu.Unlock()
	for _, d := range devices {
		if d.Name == u.pick {
			l.OnDeviceSelected(d)
			return
		}
	}
	l.OnDeviceSelectCancelled()
}

func (u *user) OnPinRequired(l client.PinListener) {
	u.mu.Lock()
	u.pinPrompts++
	pin := u.pin
	u.mu.Unlock()
	if pin == "" {
		l.OnCancel()
		return
	}
	l.OnSecret(pin)
}

func (u *user) prompts() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pinPrompts
}

func waitState(t *testing.T, remote *client.Service, want client.State) {
	t.Helper()
	require.Eventually(t, func() bool { return remote.Status().State == want }, 3*time.Second, 10*time.Millisecond,
		"state never became %s", want)
}
