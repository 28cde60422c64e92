package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbocsi/goremote/services"
)

const defaultConnectWait = 5 * time.Second

// registerDeviceTools registers MCP tools for device discovery
func (s *MCPServer) registerDeviceTools() {
	discoverTool := mcp.NewTool("discover_devices",
		mcp.WithDescription("Scan the local network for remote-controllable devices. Blocks for the discovery window (a few seconds)."),
	)
	s.Server.AddTool(discoverTool, s.handleDiscoverDevices)

	knownTool := mcp.NewTool("list_known_devices",
		mcp.WithDescription("List the devices found by the last discovery scan without scanning again"),
	)
	s.Server.AddTool(knownTool, s.handleListKnownDevices)
}

// registerConnectionTools registers MCP tools for the connection lifecycle
func (s *MCPServer) registerConnectionTools() {
	connectTool := mcp.NewTool("connect_device",
		mcp.WithDescription("Connect to a device by name (from the last discovery) or by IP address"),
		mcp.WithString("name",
			mcp.Description("Device name"),
		),
		mcp.WithString("address",
			mcp.Description("Device IP address, optionally host:port; skips the discovery lookup"),
		),
		mcp.WithNumber("port",
			mcp.Description("Control port (defaults to 9551)"),
		),
		mcp.WithNumber("wait_seconds",
			mcp.Description("How long to wait for the connection to be established (default 5, 0 returns immediately)"),
		),
	)
	s.Server.AddTool(connectTool, s.handleConnectDevice)

	statusTool := mcp.NewTool("connection_status",
		mcp.WithDescription("Get the connection state, connected device and keepalive health"),
		mcp.WithBoolean("include_events",
			mcp.Description("Include the most recent lifecycle events"),
		),
	)
	s.Server.AddTool(statusTool, s.handleConnectionStatus)

	sendCommandTool := mcp.NewTool("send_command",
		mcp.WithDescription("Send a command to the connected device"),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Command topic, e.g. key/home"),
		),
		mcp.WithObject("payload",
			mcp.Description("Command payload"),
		),
	)
	s.Server.AddTool(sendCommandTool, s.handleSendCommand)

	reconnectTool := mcp.NewTool("reconnect",
		mcp.WithDescription("Drop and re-establish the connection to the current device"),
	)
	s.Server.AddTool(reconnectTool, s.handleReconnect)

	disconnectTool := mcp.NewTool("disconnect",
		mcp.WithDescription("Close the connection to the current device, or cancel a pending attempt"),
	)
	s.Server.AddTool(disconnectTool, s.handleDisconnect)
}

func (s *MCPServer) handleDiscoverDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.services.Device.DiscoverDevices(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error discovering devices: %v", err)), nil
	}
	return jsonResult(map[string]any{"devices": devices, "count": len(devices)})
}

func (s *MCPServer) handleListKnownDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.services.Device.KnownDevices()
	return jsonResult(map[string]any{"devices": devices, "count": len(devices)})
}

func (s *MCPServer) handleConnectDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wait := request.GetFloat("wait_seconds", defaultConnectWait.Seconds())
	req := services.ConnectRequest{
		Name:    request.GetString("name", ""),
		Address: request.GetString("address", ""),
		Port:    int(request.GetFloat("port", 0)),
		Wait:    time.Duration(wait * float64(time.Second)),
	}

	res, err := s.services.Connection.Connect(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to connect: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *MCPServer) handleConnectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := map[string]any{"status": s.services.Connection.Status()}
	if request.GetBool("include_events", false) {
		result["events"] = s.services.Events.Recent(10)
	}
	return jsonResult(result)
}

func (s *MCPServer) handleSendCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("topic is required and must be a string"), nil
	}

	var payload any
	if args, ok := request.GetRawArguments().(map[string]any); ok {
		payload = args["payload"]
	}

	if err := s.services.Messaging.SendCommand(topic, payload); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send command: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Command sent to %s", topic)), nil
}

func (s *MCPServer) handleReconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.services.Connection.Reconnect(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconnect: %v", err)), nil
	}
	return mcp.NewToolResultText("Reconnecting"), nil
}

func (s *MCPServer) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.services.Connection.Disconnect()
	return jsonResult(s.services.Connection.Status())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
