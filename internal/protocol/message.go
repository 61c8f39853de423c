// Package protocol defines the WebSocket message envelope shared by the fix
// stream and the collector uplink.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-tdoa/internal/locator"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Station → collector / subscribers
	TypeFix   MessageType = "fix"   // Solved source position
	TypeStats MessageType = "stats" // Locator statistics
	TypeError MessageType = "error" // Request could not be handled

	// Collector → station
	TypeEvent MessageType = "event" // Measured arrival times to solve

	// Subscriber → station
	TypeGetStats MessageType = "get_stats"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// NewFixMessage wraps a fix
func NewFixMessage(fix locator.Fix) (*Message, error) {
	return NewMessage(TypeFix, fix)
}

// GetFix extracts a fix from a message
func (m *Message) GetFix() (*locator.Fix, error) {
	var fix locator.Fix
	if err := m.ParseData(&fix); err != nil {
		return nil, err
	}
	return &fix, nil
}

// NewEventMessage wraps an event
func NewEventMessage(ev locator.Event) (*Message, error) {
	return NewMessage(TypeEvent, ev)
}

// GetEvent extracts an event from a message
func (m *Message) GetEvent() (*locator.Event, error) {
	var ev locator.Event
	if err := m.ParseData(&ev); err != nil {
		return nil, err
	}
	if len(ev.ArrivalTimes) == 0 {
		return nil, fmt.Errorf("event has no arrival times")
	}
	return &ev, nil
}

// ErrorData describes a rejected request
type ErrorData struct {
	Message string `json:"message"`
}

// NewErrorMessage creates an error message
func NewErrorMessage(err error) *Message {
	msg, _ := NewMessage(TypeError, ErrorData{Message: err.Error()})
	return msg
}
