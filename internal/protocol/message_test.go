package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeStats, locator.Stats{Events: 3})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if msg.Type != TypeStats {
		t.Errorf("Type = %v, want %v", msg.Type, TypeStats)
	}

	if msg.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}
}

func TestFixMessageRoundTrip(t *testing.T) {
	errM := 0.25
	original := locator.Fix{
		ID:          "f1",
		EventID:     "e1",
		Position:    geom.P(12, 40, -3),
		Reference:   2,
		Method:      tdoa.MethodProjection,
		ErrorMeters: &errM,
	}

	msg, err := NewFixMessage(original)
	if err != nil {
		t.Fatalf("NewFixMessage() error = %v", err)
	}

	bytes, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	parsed, err := ParseMessage(bytes)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if parsed.Type != TypeFix {
		t.Errorf("Type = %v, want %v", parsed.Type, TypeFix)
	}

	fix, err := parsed.GetFix()
	if err != nil {
		t.Fatalf("GetFix() error = %v", err)
	}

	if fix.Position != original.Position {
		t.Errorf("Position = %v, want %v", fix.Position, original.Position)
	}
	if fix.Method != tdoa.MethodProjection {
		t.Errorf("Method = %v, want projection", fix.Method)
	}
	if fix.ErrorMeters == nil || *fix.ErrorMeters != 0.25 {
		t.Errorf("ErrorMeters = %v, want 0.25", fix.ErrorMeters)
	}
}

func TestGetEvent(t *testing.T) {
	raw := []byte(`{"type":"event","ts":1,"data":{"id":"e7","platforms":["drone1"],"arrival_times":[0.1,0.2,0.3,0.4]}}`)

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	ev, err := msg.GetEvent()
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}

	if ev.ID != "e7" || len(ev.ArrivalTimes) != 4 || ev.Platforms[0] != "drone1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestGetEvent_NoTimes(t *testing.T) {
	msg, _ := NewEventMessage(locator.Event{ID: "empty"})

	if _, err := msg.GetEvent(); err == nil {
		t.Error("GetEvent should reject an event without arrival times")
	}
}

func TestParseInvalidMessage(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "not json"},
		{"missing type", `{"ts":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.data)); err == nil {
				t.Error("ParseMessage should fail")
			}
		})
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage(errors.New("queue full"))

	var data ErrorData
	if err := msg.ParseData(&data); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if data.Message != "queue full" {
		t.Errorf("Message = %q, want queue full", data.Message)
	}
}

func TestMessageJSONFormat(t *testing.T) {
	msg, _ := NewMessage(TypePing, nil)
	bytes, _ := msg.Bytes()

	var parsed map[string]any
	if err := json.Unmarshal(bytes, &parsed); err != nil {
		t.Fatalf("JSON unmarshal failed: %v", err)
	}

	if parsed["type"] != "ping" {
		t.Errorf("type = %v, want ping", parsed["type"])
	}
	if _, ok := parsed["data"]; ok {
		t.Error("nil data should be omitted")
	}
}
