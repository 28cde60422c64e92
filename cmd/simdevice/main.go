package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/goremote/discovery"
	"github.com/mbocsi/goremote/logging"
	"github.com/mbocsi/goremote/proto"
	"github.com/mbocsi/goremote/simulator"
)

func main() {
	name := flag.String("name", proto.DefaultDeviceName, "advertised device name")
	addr := flag.String("addr", fmt.Sprintf(":%d", proto.DefaultPort), "control listen address or port")
	protocol := flag.String("protocol", "tcp", "control transport: tcp or ws")
	pin := flag.String("pin", "", "PIN required for pairing; empty disables pairing")
	discoveryAddr := flag.String("discovery", fmt.Sprintf(":%d", discovery.BroadcastPort), "UDP discovery listen address; empty disables it")
	advertise := flag.Bool("mdns", false, "advertise over mDNS")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	lvl, err := logging.ParseLevel(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "simdevice:", err)
		os.Exit(2)
	}
	cfg := logging.DefaultConfig()
	cfg.Level = lvl
	cfg.Format = "text"
	logger := logging.Setup(cfg)

	opts := simulator.Options{
		Name:          *name,
		Addr:          simulator.ParseAddr(*addr),
		Protocol:      *protocol,
		Pin:           *pin,
		DiscoveryAddr: *discoveryAddr,
		Advertise:     *advertise,
		Logger:        logger,
	}
	if err := run(opts); err != nil {
		slog.Error("Simulated device stopped", "error", err)
		os.Exit(1)
	}
}

func run(opts simulator.Options) error {
	d := simulator.New(opts)
	if err := d.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		d.Shutdown()
	}()

	return d.Serve()
}
