package services

import (
	"errors"

	"github.com/mbocsi/goremote/client"
)

// MessagingServiceImpl implements MessagingService
type MessagingServiceImpl struct {
	remote Remote
}

func NewMessagingService(remote Remote) *MessagingServiceImpl {
	return &MessagingServiceImpl{remote: remote}
}

func (ms *MessagingServiceImpl) SendCommand(topic string, payload any) error {
	if topic == "" {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "Topic cannot be empty"}
	}

	err := ms.remote.SendCommand(topic, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, client.ErrNotConnected):
		return ServiceError{Code: ErrCodeConflict, Message: "No device connected", Cause: err}
	case errors.Is(err, client.ErrCommandsUnsupported):
		return ServiceError{Code: ErrCodeUnavailable, Message: "Connection does not carry commands", Cause: err}
	default:
		return ServiceError{Code: ErrCodeInternal, Message: "Failed to send command", Cause: err}
	}
}
