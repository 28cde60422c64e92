package services

import (
	"time"

	"github.com/mbocsi/goremote/client"
	"github.com/mbocsi/goremote/proto"
)

// DeviceInfo represents device information for the service layer
type DeviceInfo struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
}

type StatusInfo struct {
	State     client.State `json:"state"`
	Device    *DeviceInfo  `json:"device,omitempty"`
	AttemptID string       `json:"attempt_id,omitempty"`
	Keepalive string       `json:"keepalive"`
	LostAcks  int          `json:"lost_acks"`
}

// ConnectRequest names a device either by name alone (looked up in the last
// discovery results) or by address.
type ConnectRequest struct {
	Name    string        `json:"name"`
	Address string        `json:"address,omitempty"`
	Port    int           `json:"port,omitempty"`
	Wait    time.Duration `json:"-"` // wait this long for the outcome; zero returns at once
}

type ConnectResult struct {
	Device           DeviceInfo   `json:"device"`
	AlreadyConnected bool         `json:"already_connected"`
	State            client.State `json:"state"`
}

type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventConnectionFailed EventType = "connection_failed"
)

// EventInfo is one lifecycle change of the connection.
type EventInfo struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	AttemptID string      `json:"attempt_id,omitempty"`
	Device    *DeviceInfo `json:"device,omitempty"`
	Time      time.Time   `json:"time"`
}

// ServiceError represents structured service layer errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"cause,omitempty"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeUnavailable  = "UNAVAILABLE"
	ErrCodeConflict     = "CONFLICT"
)

func toDeviceInfo(d proto.Device, connected bool) DeviceInfo {
	info := DeviceInfo{Name: d.Name, Port: d.Port, Connected: connected}
	if d.Address != nil {
		info.Address = d.Address.String()
	}
	return info
}
