package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/goremote/app"
	"github.com/mbocsi/goremote/config"
	"github.com/mbocsi/goremote/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "goremoted:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.LogFormat
	if cfg.MCP {
		// stdout carries the MCP stream.
		logCfg.Output = os.Stderr
	}
	logger := logging.Setup(logCfg)

	a, err := app.NewApp(app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting goremoted", "http_addr", cfg.HTTPAddr, "protocol", cfg.Protocol, "discovery", cfg.Discovery.Method, "mcp", cfg.MCP)
	return a.Start(ctx)
}
