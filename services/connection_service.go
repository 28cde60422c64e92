package services

import (
	"context"
	"time"

	"github.com/mbocsi/goremote/proto"
)

// ConnectionServiceImpl implements ConnectionService
type ConnectionServiceImpl struct {
	remote  Remote
	devices DeviceService
	events  EventService
}

func NewConnectionService(remote Remote, devices DeviceService, events EventService) *ConnectionServiceImpl {
	return &ConnectionServiceImpl{remote: remote, devices: devices, events: events}
}

// Connect resolves the requested device and starts a connection attempt. With
// req.Wait set it also waits for the attempt to connect or fail.
func (cs *ConnectionServiceImpl) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	device, err := cs.resolve(req)
	if err != nil {
		return nil, err
	}

	var (
		events <-chan EventInfo
		stop   func()
	)
	if req.Wait > 0 {
		events, stop = cs.events.Subscribe()
		defer stop()
	}

	if cs.remote.ConnectDevice(device) {
		return &ConnectResult{Device: toDeviceInfo(device, true), AlreadyConnected: true, State: cs.remote.Status().State}, nil
	}
	if req.Wait <= 0 {
		return &ConnectResult{Device: toDeviceInfo(device, false), State: cs.remote.Status().State}, nil
	}

	attempt := cs.remote.Status().AttemptID

	timer := time.NewTimer(req.Wait)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.AttemptID != attempt {
				if cs.remote.Status().AttemptID != attempt {
					return nil, ServiceError{Code: ErrCodeConflict, Message: "Connection to " + device.Name + " was superseded by another connect"}
				}
				continue
			}
			switch ev.Type {
			case EventConnected:
				if ev.Device == nil || ev.Device.Name != device.Name {
					continue
				}
				return &ConnectResult{Device: toDeviceInfo(device, true), State: cs.remote.Status().State}, nil
			case EventConnectionFailed:
				return nil, ServiceError{Code: ErrCodeUnavailable, Message: "Connection to " + device.Name + " failed"}
			}
		case <-timer.C:
			return nil, ServiceError{Code: ErrCodeTimeout, Message: "Timed out waiting for " + device.Name}
		case <-ctx.Done():
			return nil, ServiceError{Code: ErrCodeTimeout, Message: "Connect interrupted", Cause: ctx.Err()}
		}
	}
}

func (cs *ConnectionServiceImpl) resolve(req ConnectRequest) (proto.Device, error) {
	if req.Address == "" {
		if req.Name == "" {
			return proto.Device{}, ServiceError{Code: ErrCodeInvalidInput, Message: "Device name or address is required"}
		}
		return cs.devices.FindDevice(req.Name)
	}
	device, err := proto.ParseDevice(req.Name, req.Address, req.Port)
	if err != nil {
		return proto.Device{}, ServiceError{Code: ErrCodeInvalidInput, Message: "Invalid device", Cause: err}
	}
	return device, nil
}

func (cs *ConnectionServiceImpl) Reconnect() error {
	if _, ok := cs.remote.CurrentDevice(); !ok {
		return ServiceError{Code: ErrCodeConflict, Message: "No device connected"}
	}
	cs.remote.Reconnect()
	return nil
}

func (cs *ConnectionServiceImpl) Cancel() {
	cs.remote.CancelConnection()
}

func (cs *ConnectionServiceImpl) Disconnect() {
	cs.remote.Disconnect()
}

func (cs *ConnectionServiceImpl) Status() StatusInfo {
	st := cs.remote.Status()
	info := StatusInfo{
		State:     st.State,
		AttemptID: st.AttemptID,
		Keepalive: st.Keepalive,
		LostAcks:  st.LostAcks,
	}
	if st.Device != nil {
		d := toDeviceInfo(*st.Device, true)
		info.Device = &d
	}
	return info
}
