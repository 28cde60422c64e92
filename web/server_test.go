package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/connection"
	"github.com/mbocsi/goremote/logging"
	"github.com/mbocsi/goremote/platform"
	"github.com/mbocsi/goremote/proto"
	"github.com/mbocsi/goremote/services"
	"github.com/mbocsi/goremote/simulator"
)

type staticDiscoverer []proto.Device

func (s staticDiscoverer) DiscoverDevices(context.Context) []proto.Device { return s }

type fixture struct {
	sim      *simulator.Device
	remote   *client.Service
	services *services.ServiceContainer
	http     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.New(logging.SuppressedConfig())

	sim := simulator.New(simulator.Options{Name: "GTV", Logger: logger})
	require.NoError(t, sim.Start())
	t.Cleanup(func() { sim.Shutdown() })

	conn, err := connection.NewConnector(&connection.Options{
		Platform: &platform.Static{Strings: map[platform.StringID]string{platform.Name: "Go", platform.UniqueID: "web-test"}},
		Logger:   logger,
	})
	require.NoError(t, err)

	remote, err := client.NewService(client.ServiceOptions{
		Connector: conn,
		Discovery: staticDiscoverer{sim.Device()},
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(remote.Close)

	sm := services.NewServiceManager(remote)
	t.Cleanup(sm.Close)

	srv := httptest.NewServer(NewServer(sm.GetServices(), logger).Routes())
	t.Cleanup(srv.Close)
	return &fixture{sim: sim, remote: remote, services: sm.GetServices(), http: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/connect", map[string]any{
		"name": "GTV", "address": "127.0.0.1", "port": f.sim.Port(), "wait_ms": 2000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestStatus_Idle(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st services.StatusInfo
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, client.StateIdle, st.State)
	assert.Nil(t, st.Device)
}

func TestDiscoverThenConnectByName(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Devices []services.DeviceInfo `json:"devices"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "GTV", listing.Devices[0].Name)

	resp, body = f.do(t, http.MethodPost, "/api/connect", map[string]any{"name": "GTV", "wait_ms": 2000})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/devices/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connected":true`)

	resp, body = f.do(t, http.MethodGet, "/api/devices/known", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"count":1`)
}

func TestConnectSameDeviceTwice(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	resp, body := f.do(t, http.MethodPost, "/api/connect", map[string]any{"name": "GTV", "address": "127.0.0.1", "port": f.sim.Port()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"already_connected":true`)
}

func TestConnectErrors(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/connect", map[string]any{"name": "Nowhere"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), services.ErrCodeNotFound)

	resp, _ = f.do(t, http.MethodPost, "/api/connect", map[string]any{"address": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/api/connect", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestCommands(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/commands", map[string]any{"topic": "key/home"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "not connected yet")

	f.connect(t)
	resp, _ = f.do(t, http.MethodPost, "/api/commands", map[string]any{"topic": "key/home", "payload": map[string]int{"code": 3}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return len(f.sim.Commands()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"code":3}`, string(f.sim.Commands()[0].Payload))

	resp, _ = f.do(t, http.MethodPost, "/api/commands", map[string]any{"topic": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReconnectCancelDisconnect(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/reconnect", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.connect(t)
	resp, _ = f.do(t, http.MethodPost, "/api/reconnect", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return f.remote.Status().State == client.StateConnected }, 2*time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, http.MethodPost, "/api/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, client.StateConnected, f.remote.Status().State, "cancel only affects pending attempts")

	resp, body := f.do(t, http.MethodPost, "/api/disconnect", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"idle"`)
}

func TestRecentEvents(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.do(t, http.MethodPost, "/api/disconnect", nil)

	resp, body := f.do(t, http.MethodGet, "/api/events?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []services.EventInfo
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, services.EventDisconnected, events[0].Type)

	resp, _ = f.do(t, http.MethodGet, "/api/events?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(prefix string) {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream ended before %q", prefix)
				if strings.HasPrefix(line, prefix) {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("no %q line", prefix)
			}
		}
	}

	waitFor("event: status")
	f.connect(t)
	waitFor("event: connected")
}

func TestServer_StartShutdown(t *testing.T) {
	srv := NewServer(&services.ServiceContainer{}, logging.New(logging.SuppressedConfig()))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.server != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServer_ShutdownEndsEventStreams(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(f.services, logging.New(logging.SuppressedConfig()))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/api/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: status\n", line)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}
