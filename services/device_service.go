package services

import (
	"context"
	"sync"

	"github.com/mbocsi/goremote/proto"
)

// DeviceServiceImpl implements DeviceService
type DeviceServiceImpl struct {
	remote Remote

	mu    sync.RWMutex
	known []proto.Device
}

// NewDeviceService creates a new device service
func NewDeviceService(remote Remote) *DeviceServiceImpl {
	return &DeviceServiceImpl{remote: remote}
}

// DiscoverDevices runs a discovery scan and remembers the result for
// FindDevice.
func (ds *DeviceServiceImpl) DiscoverDevices(ctx context.Context) ([]DeviceInfo, error) {
	devices := ds.remote.DiscoverDevices(ctx)
	if err := ctx.Err(); err != nil {
		return nil, ServiceError{Code: ErrCodeTimeout, Message: "Discovery interrupted", Cause: err}
	}

	ds.mu.Lock()
	ds.known = devices
	ds.mu.Unlock()

	return ds.describe(devices), nil
}

// KnownDevices returns the result of the last discovery scan.
func (ds *DeviceServiceImpl) KnownDevices() []DeviceInfo {
	ds.mu.RLock()
	devices := ds.known
	ds.mu.RUnlock()
	return ds.describe(devices)
}

func (ds *DeviceServiceImpl) FindDevice(name string) (proto.Device, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, d := range ds.known {
		if d.Name == name {
			return d, nil
		}
	}
	return proto.Device{}, ServiceError{
		Code:    ErrCodeNotFound,
		Message: "Device not found: " + name,
	}
}

func (ds *DeviceServiceImpl) CurrentDevice() (*DeviceInfo, error) {
	d, ok := ds.remote.CurrentDevice()
	if !ok {
		return nil, ServiceError{Code: ErrCodeNotFound, Message: "No device connected"}
	}
	info := toDeviceInfo(d, true)
	return &info, nil
}

func (ds *DeviceServiceImpl) describe(devices []proto.Device) []DeviceInfo {
	current, connected := ds.remote.CurrentDevice()
	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, toDeviceInfo(d, connected && current.Equal(d)))
	}
	return result
}
