package connection

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/platform"
	"github.com/mbocsi/goremote/proto"
	"github.com/mbocsi/goremote/simulator"
)

type event struct {
	kind   string
	sender client.Sender
	pin    client.PinListener
}

// chanListener forwards every callback to a channel so tests can wait on them.
type chanListener struct {
	events chan event
	pin    func(client.PinListener)
}

func newChanListener() *chanListener {
	return &chanListener{events: make(chan event, 16)}
}

func (l *chanListener) OnConnected(_ proto.Device, s client.Sender) {
	l.events <- event{kind: "connected", sender: s}
}
func (l *chanListener) OnConnectionFailed()       { l.events <- event{kind: "failed"} }
func (l *chanListener) OnConnectionDisconnected() { l.events <- event{kind: "disconnected"} }
func (l *chanListener) OnConnectionPairing()      { l.events <- event{kind: "pairing"} }
func (l *chanListener) OnHeartbeatAck()           { l.events <- event{kind: "ack"} }
func (l *chanListener) OnSecretRequired(p client.PinListener) {
	l.events <- event{kind: "secret", pin: p}
	if l.pin != nil {
		l.pin(p)
	}
}

func (l *chanListener) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-l.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return event{}
	}
}

func (l *chanListener) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-l.events:
		t.Fatalf("unexpected event %q", e.kind)
	case <-time.After(d):
	}
}

func testPlatform() *platform.Static {
	return &platform.Static{
		Broadcast: net.ParseIP("127.255.255.255"),
		Strings: map[platform.StringID]string{
			platform.Name:     "Go",
			platform.UniqueID: "test-host",
		},
		Version: 1,
	}
}

func newConnector(t *testing.T, opts Options) *Connector {
	t.Helper()
	if opts.Platform == nil {
		opts.Platform = testPlatform()
	}
	c, err := NewConnector(&opts)
	require.NoError(t, err)
	return c
}

func startSim(t *testing.T, opts simulator.Options) *simulator.Device {
	t.Helper()
	d := simulator.New(opts)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func TestNewConnector_RequiresPlatform(t *testing.T) {
	_, err := NewConnector(nil)
	assert.Error(t, err)
}

func TestAttempt_ConnectsAndAcksHeartbeats(t *testing.T) {
	sim := startSim(t, simulator.Options{Name: "GTV"})
	c := newConnector(t, Options{})
	l := newChanListener()

	att := c.Connect(sim.Device(), l)
	l.quiet(t, 50*time.Millisecond)
	att.Start()
	defer att.Cancel()

	e := l.next(t)
	require.Equal(t, "connected", e.kind)
	sender := e.sender.(*Sender)
	assert.NotEmpty(t, sender.ID())

	sender.SendHeartbeat()
	assert.Equal(t, "ack", l.next(t).kind)

	require.NoError(t, sender.SendCommand("key/home", map[string]int{"code": 3}))
	require.Eventually(t, func() bool { return len(sim.Commands()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "key/home", sim.Commands()[0].Topic)
	assert.Equal(t, sender.ID(), sim.Commands()[0].Sender)
}

func TestAttempt_WebSocket(t *testing.T) {
	sim := startSim(t, simulator.Options{Protocol: "ws"})
	factory, ok := TransportFor("ws")
	require.True(t, ok)
	c := newConnector(t, Options{NewTransport: factory})
	l := newChanListener()

	att := c.Connect(sim.Device(), l)
	att.Start()
	defer att.Cancel()

	e := l.next(t)
	require.Equal(t, "connected", e.kind)
	e.sender.SendHeartbeat()
	assert.Equal(t, "ack", l.next(t).kind)
}

func TestAttempt_DialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	c := newConnector(t, Options{DialTimeout: 500 * time.Millisecond})
	cl := newChanListener()
	att := c.Connect(proto.Device{Name: "gone", Address: addr.IP, Port: addr.Port}, cl)
	att.Start()

	assert.Equal(t, "failed", cl.next(t).kind)
}

func TestAttempt_IdentifyTimeout(t *testing.T) {
	// Accepts but never answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	addr := l.Addr().(*net.TCPAddr)

	c := newConnector(t, Options{IdentifyTimeout: 100 * time.Millisecond})
	cl := newChanListener()
	att := c.Connect(proto.Device{Name: "mute", Address: addr.IP, Port: addr.Port}, cl)
	att.Start()

	assert.Equal(t, "failed", cl.next(t).kind)
}

func TestAttempt_PinPairing(t *testing.T) {
	sim := startSim(t, simulator.Options{Pin: "4321"})
	c := newConnector(t, Options{})
	l := newChanListener()
	l.pin = func(p client.PinListener) { go p.OnSecret("4321") }

	att := c.Connect(sim.Device(), l)
	att.Start()
	defer att.Cancel()

	assert.Equal(t, "secret", l.next(t).kind)
	assert.Equal(t, "pairing", l.next(t).kind)
	assert.Equal(t, "connected", l.next(t).kind)
}

func TestAttempt_PinRefused(t *testing.T) {
	sim := startSim(t, simulator.Options{Pin: "4321"})
	c := newConnector(t, Options{})
	l := newChanListener()
	l.pin = func(p client.PinListener) { p.OnCancel() }

	att := c.Connect(sim.Device(), l)
	att.Start()

	assert.Equal(t, "secret", l.next(t).kind)
	assert.Equal(t, "failed", l.next(t).kind)
}

func TestAttempt_WrongPin(t *testing.T) {
	sim := startSim(t, simulator.Options{Pin: "4321"})
	c := newConnector(t, Options{})
	l := newChanListener()
	l.pin = func(p client.PinListener) { go p.OnSecret("0000") }

	att := c.Connect(sim.Device(), l)
	att.Start()

	assert.Equal(t, "secret", l.next(t).kind)
	assert.Equal(t, "failed", l.next(t).kind)
}

func TestAttempt_DeviceDropReportsDisconnect(t *testing.T) {
	sim := startSim(t, simulator.Options{})
	c := newConnector(t, Options{})
	l := newChanListener()

	att := c.Connect(sim.Device(), l)
	att.Start()
	defer att.Cancel()
	require.Equal(t, "connected", l.next(t).kind)

	sim.DropClients()
	assert.Equal(t, "disconnected", l.next(t).kind)
}

func TestAttempt_CancelSuppressesCallbacks(t *testing.T) {
	sim := startSim(t, simulator.Options{})
	c := newConnector(t, Options{})
	l := newChanListener()

	att := c.Connect(sim.Device(), l)
	att.Start()
	require.Equal(t, "connected", l.next(t).kind)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			att.Cancel()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return sim.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	l.quiet(t, 100*time.Millisecond)
}

func TestAttempt_CancelBeforeStart(t *testing.T) {
	sim := startSim(t, simulator.Options{})
	c := newConnector(t, Options{})
	l := newChanListener()

	att := c.Connect(sim.Device(), l)
	att.Cancel()
	att.Start()
	l.quiet(t, 100*time.Millisecond)
}

func TestTransportFor(t *testing.T) {
	for _, p := range []string{"", "tcp", "ws", "websocket"} {
		_, ok := TransportFor(p)
		assert.True(t, ok, p)
	}
	_, ok := TransportFor("lora")
	assert.False(t, ok)
}

func TestSender_SendAfterClose(t *testing.T) {
	sim := startSim(t, simulator.Options{})
	c := newConnector(t, Options{})
	l := newChanListener()

	att := c.Connect(sim.Device(), l)
	att.Start()
	defer att.Cancel()
	e := l.next(t)
	require.Equal(t, "connected", e.kind)

	sender := e.sender.(*Sender)
	require.NoError(t, sender.Close())
	assert.Error(t, sender.SendCommand("key/home", nil))
	assert.Error(t, sender.SendCommand("", nil))
	sender.SendHeartbeat()
}
