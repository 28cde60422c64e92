package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/config"
	"github.com/mbocsi/goremote/connection"
	"github.com/mbocsi/goremote/discovery"
	"github.com/mbocsi/goremote/keepalive"
	"github.com/mbocsi/goremote/mcp"
	"github.com/mbocsi/goremote/platform"
	"github.com/mbocsi/goremote/proto"
	"github.com/mbocsi/goremote/services"
	"github.com/mbocsi/goremote/web"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Config   config.Config
	Logger   *slog.Logger      // Optional (defaults to slog.Default())
	Platform platform.Platform // Optional (defaults to platform.NewHost())
}

// App wires discovery, the connector and the client service together and
// serves them over HTTP and, optionally, MCP.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Discovery *discovery.Service
	Remote    *client.Service
	Services  *services.ServiceManagerImpl
	Web       *web.Server
	MCP       *mcp.MCPServer

	mu   sync.Mutex
	addr net.Addr
}

func NewApp(opts Options) (*App, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := opts.Platform
	if host == nil {
		host = platform.NewHost()
	}

	factory := discovery.UDPBroadcasterFactory(cfg.Discovery.UDPPort)
	if cfg.Discovery.Method == "mdns" {
		factory = discovery.NewMDNSBroadcaster
	}
	disc, err := discovery.NewService(host, factory, &discovery.Options{
		Window:   cfg.Discovery.Window.Std(),
		StopWait: cfg.Discovery.StopWait.Std(),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	newTransport, ok := connection.TransportFor(cfg.Protocol)
	if !ok {
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
	conn, err := connection.NewConnector(&connection.Options{
		Platform:        host,
		NewTransport:    newTransport,
		DialTimeout:     cfg.DialTimeout.Std(),
		IdentifyTimeout: cfg.IdentifyTimeout.Std(),
		Logger:          logger,
	})
	if err != nil {
		disc.Close()
		return nil, err
	}

	remote, err := client.NewService(client.ServiceOptions{
		Connector: conn,
		Discovery: disc,
		Keepalive: &keepalive.Options{
			Period:      cfg.Keepalive.Period.Std(),
			MaxLostAcks: cfg.Keepalive.MaxLostAcks,
		},
		Logger: logger,
	})
	if err != nil {
		disc.Close()
		return nil, err
	}

	sm := services.NewServiceManager(remote)
	a := &App{
		cfg:       cfg,
		logger:    logger,
		Discovery: disc,
		Remote:    remote,
		Services:  sm,
		Web:       web.NewServer(sm.GetServices(), logger),
	}
	if cfg.MCP {
		a.MCP = mcp.NewMCPServer(sm.GetServices(), logger)
	}
	return a, nil
}

// Start runs until ctx is cancelled or a server fails, then shuts
// everything down.
func (a *App) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.Close()
		return err
	}
	a.mu.Lock()
	a.addr = l.Addr()
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Web.Serve(l)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Web.Shutdown(shutdownCtx)
	})
	if a.MCP != nil {
		g.Go(func() error {
			err := a.MCP.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if d := a.cfg.Device; d != nil {
		device, err := proto.ParseDevice(d.Name, d.Host, d.Port)
		if err != nil {
			a.logger.Error("Invalid configured device", "error", err)
		} else {
			a.Remote.ConnectDevice(device)
		}
	}

	err = g.Wait()
	a.Close()
	return err
}

// Addr is the bound HTTP address once Start is running.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Close releases the client, its keepalive and discovery.
func (a *App) Close() {
	a.Services.Close()
	a.Remote.Close()
}
