package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbocsi/goremote/services"
)

const (
	serverName    = "goremote"
	serverVersion = "1.0.0"
)

type MCPServer struct {
	Server   *server.MCPServer
	services *services.ServiceContainer
	logger   *slog.Logger
}

// NewMCPServer builds an MCP server exposing the remote-control tools.
func NewMCPServer(serviceContainer *services.ServiceContainer, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		Server:   server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
		services: serviceContainer,
		logger:   logger.With("component", "mcp"),
	}
	s.registerDeviceTools()
	s.registerConnectionTools()
	return s
}

// Run serves MCP over stdin/stdout until ctx is done or stdin closes.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.Listen(ctx, nil, nil)
}

// Listen serves MCP over the given streams. Nil streams mean stdin and stdout.
func (s *MCPServer) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	s.logger.Info("Started stdio MCP server")
	defer s.logger.Info("Shut down stdio MCP server")
	return server.NewStdioServer(s.Server).Listen(ctx, in, out)
}
