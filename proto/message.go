package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Control channel message types.
const (
	TypeIdentify    = "identify"
	TypeIdentifyAck = "identify_ack"
	TypePinRequired = "pin_required"
	TypePin         = "pin"
	TypePairing     = "pairing"
	TypePing        = "ping"
	TypeAck         = "ack"
	TypeCommand     = "command"
)

const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
)

type Message struct {
	Type      string          `json:"type"`                // see the Type* constants
	Topic     string          `json:"topic,omitempty"`     // command routing on the device (e.g., "key/power")
	Sender    string          `json:"sender,omitempty"`    // sender ID, assigned by the device after identify
	Payload   json.RawMessage `json:"payload,omitempty"`   // raw JSON; schema depends on Type
	Timestamp int64           `json:"timestamp"`           // UNIX timestamp in seconds
}

type IdentifyPayload struct {
	ClientName string `json:"client_name"` // Human-readable name of the controlling client
	UniqueID   string `json:"unique_id"`   // Stable per installation; used by the device to remember pairings
	Version    int    `json:"version"`     // Client platform version code
}

type IdAckPayload struct {
	AssignedId string `json:"assigned_id"`
	Status     string `json:"status"`
}

type PinPayload struct {
	Pin string `json:"pin"`
}

// NewMessage builds a message of the given type with payload marshalled to
// JSON. A nil payload leaves the payload empty.
func NewMessage(msgType string, payload any) (Message, error) {
	msg := Message{Type: msgType, Timestamp: time.Now().Unix()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

func NewCommand(topic string, payload any) (Message, error) {
	if topic == "" {
		return Message{}, fmt.Errorf("command topic is required")
	}
	msg, err := NewMessage(TypeCommand, payload)
	if err != nil {
		return Message{}, err
	}
	msg.Topic = topic
	return msg, nil
}
