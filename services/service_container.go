package services

// ServiceManagerImpl wires the services around one client and keeps the
// event log attached to it.
type ServiceManagerImpl struct {
	remote   Remote
	events   *EventLog
	services *ServiceContainer
}

// NewServiceManager creates a new service manager
func NewServiceManager(remote Remote) *ServiceManagerImpl {
	events := NewEventLog(remote.Status, 0)
	remote.AttachClientListener(events)

	devices := NewDeviceService(remote)
	return &ServiceManagerImpl{
		remote: remote,
		events: events,
		services: &ServiceContainer{
			Device:     devices,
			Connection: NewConnectionService(remote, devices, events),
			Messaging:  NewMessagingService(remote),
			Events:     events,
		},
	}
}

// GetServices returns the service container
func (sm *ServiceManagerImpl) GetServices() *ServiceContainer {
	return sm.services
}

// Close detaches the event log from the client.
func (sm *ServiceManagerImpl) Close() {
	sm.remote.DetachClientListener(sm.events)
}
