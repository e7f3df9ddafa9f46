package ws

import (
	"encoding/json"
	"time"
)

// Application message types carried inside text frames.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypeStatus      = "status"
	TypeEvent       = "event"
	TypeError       = "error"
)

// Message is the JSON envelope of every application message.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ParseMessage decodes an inbound text payload.
func ParseMessage(payload []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(payload, &m)
	return m, err
}

// NewMessage builds an outbound message, marshalling data into the envelope.
func NewMessage(typ, topic string, data any) (Message, error) {
	m := Message{Type: typ, Topic: topic, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		m.Data = raw
	}
	return m, nil
}

// EncodeMessage marshals m and wraps it in a text frame.
func EncodeMessage(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return Encode(b), nil
}
