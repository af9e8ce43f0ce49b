package sdk

import "encoding/json"

// Message is the frame exchanged with the backend in both directions.
// Data is kept raw so each subscriber decodes the shape it expects.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage marshals data into a Message of the given type.
// A nil data produces a frame without a data field.
func NewMessage(typ string, data any) (Message, error) {
	msg := Message{Type: typ}
	if data == nil {
		return msg, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	msg.Data = b
	return msg, nil
}

// Bus is the public view of the event bus handed to views.
type Bus interface {
	Publish(name string, payload json.RawMessage)
	Subscribe(name string, fn func(payload json.RawMessage)) (unsubscribe func())
}

// Sender is the outbound half of the connection.
type Sender interface {
	Send(msg Message) error
	IsConnected() bool
}
