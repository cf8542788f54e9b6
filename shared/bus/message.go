// Package bus is the Universal Message Bus: every protocol adapter turns its
// frames into a canonical DeviceMessage and hands it to Process, which
// dispatches on the message type. Business rules live here once, whatever
// the transport.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation is a malformed envelope or payload.
	ErrValidation = errors.New("bus: invalid message")
	// ErrDeviceNotFound is a state/telemetry/command message for a device
	// that never registered.
	ErrDeviceNotFound = errors.New("bus: device not found")
	// ErrUnknownType is a well-formed envelope whose type this bridge does
	// not handle. Process ignores such messages instead of failing them.
	ErrUnknownType = errors.New("bus: unknown message type")
)

// MessageType is the canonical message kind.
type MessageType string

const (
	TypeRegistry  MessageType = "registry"
	TypeState     MessageType = "state"
	TypeTelemetry MessageType = "telemetry"
	TypeCommand   MessageType = "command"
	TypeAck       MessageType = "ack"
)

// Transport protocols.
const (
	ProtocolMQTT      = "mqtt"
	ProtocolHTTP      = "http"
	ProtocolWebSocket = "websocket"
	ProtocolSerial    = "serial"
)

// DeviceMessage is the canonical envelope. It is transient: handlers project
// it into store calls and never persist it as-is.
type DeviceMessage struct {
	Type      MessageType     `json:"messageType"`
	Protocol  string          `json:"protocol"`
	DeviceID  string          `json:"deviceId"`
	TenantID  string          `json:"tenantId"`
	FarmID    string          `json:"farmId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Payload is the closed set of typed payloads. Decode returns exactly one of
// *RegistryPayload, *StatePayload, *TelemetryPayload, *CommandPayload or
// *AckPayload.
type Payload interface {
	messageType() MessageType
}

// SensorDecl declares a sensor channel a device reports.
type SensorDecl struct {
	Key  string `json:"key"`
	Unit string `json:"unit"`
}

// RegistryPayload announces a device. Nil fields were absent and leave the
// stored values untouched.
type RegistryPayload struct {
	DeviceType   *string        `json:"device_type"`
	Capabilities *[]string      `json:"capabilities"`
	Sensors      []SensorDecl   `json:"sensors"`
	Metadata     map[string]any `json:"metadata"`
}

// StatePayload reports connectivity and device-side state.
type StatePayload struct {
	Online *bool          `json:"online"`
	State  map[string]any `json:"state"`
}

// ReadingPayload is one measurement. A zero TS means the envelope timestamp.
type ReadingPayload struct {
	Key     string    `json:"key"`
	Value   float64   `json:"value"`
	Unit    string    `json:"unit"`
	TS      time.Time `json:"ts"`
	Quality string    `json:"quality"`
}

// TelemetryPayload is a batch of readings.
type TelemetryPayload struct {
	Readings []ReadingPayload `json:"readings"`
}

// CommandPayload queues a command. "command" and "payload" are accepted as
// aliases of "type" and "params".
type CommandPayload struct {
	CommandID string         `json:"command_id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
}

// AckPayload acknowledges a delivered command.
type AckPayload struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Detail    json.RawMessage `json:"detail"`
}

func (*RegistryPayload) messageType() MessageType  { return TypeRegistry }
func (*StatePayload) messageType() MessageType     { return TypeState }
func (*TelemetryPayload) messageType() MessageType { return TypeTelemetry }
func (*CommandPayload) messageType() MessageType   { return TypeCommand }
func (*AckPayload) messageType() MessageType       { return TypeAck }

func (p *CommandPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		CommandID string         `json:"command_id"`
		ID        string         `json:"id"`
		Type      string         `json:"type"`
		Command   string         `json:"command"`
		Params    map[string]any `json:"params"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = CommandPayload{
		CommandID: firstNonEmpty(raw.CommandID, raw.ID),
		Type:      firstNonEmpty(raw.Type, raw.Command),
		Params:    raw.Params,
	}
	if p.Params == nil {
		p.Params = raw.Payload
	}
	return nil
}

// UnmarshalJSON accepts ts as RFC 3339 text or epoch milliseconds.
func (r *ReadingPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		Key     string          `json:"key"`
		Value   float64         `json:"value"`
		Unit    string          `json:"unit"`
		TS      json.RawMessage `json:"ts"`
		Quality string          `json:"quality"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := parseTimestamp(raw.TS)
	if err != nil {
		return err
	}
	*r = ReadingPayload{Key: raw.Key, Value: raw.Value, Unit: raw.Unit, TS: ts, Quality: raw.Quality}
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("ts: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ts: %w", err)
	}
	return t.UTC(), nil
}

func (p *AckPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		CommandID string          `json:"command_id"`
		ID        string          `json:"id"`
		Status    string          `json:"status"`
		Detail    json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = AckPayload{CommandID: firstNonEmpty(raw.CommandID, raw.ID), Status: raw.Status, Detail: raw.Detail}
	return nil
}

// DetailText renders Detail for storage: JSON strings are unquoted, other
// JSON is kept verbatim.
func (p *AckPayload) DetailText() string {
	if len(p.Detail) == 0 || string(p.Detail) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Detail, &s); err == nil {
		return s
	}
	return string(p.Detail)
}

// Decode validates the envelope and parses the payload for its type.
func Decode(msg DeviceMessage) (Payload, error) {
	if msg.DeviceID == "" || msg.TenantID == "" {
		return nil, fmt.Errorf("%w: deviceId and tenantId required", ErrValidation)
	}

	var p Payload
	switch msg.Type {
	case TypeRegistry:
		p = &RegistryPayload{}
	case TypeState:
		p = &StatePayload{}
	case TypeTelemetry:
		p = &TelemetryPayload{}
	case TypeCommand:
		p = &CommandPayload{}
	case TypeAck:
		p = &AckPayload{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, msg.Type)
	}

	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrValidation, msg.Type, err)
		}
	}

	switch p := p.(type) {
	case *RegistryPayload:
		for _, s := range p.Sensors {
			if strings.TrimSpace(s.Key) == "" {
				return nil, fmt.Errorf("%w: sensor key required", ErrValidation)
			}
		}
	case *TelemetryPayload:
		if len(p.Readings) == 0 {
			return nil, fmt.Errorf("%w: readings required", ErrValidation)
		}
	case *CommandPayload:
		if p.Type == "" {
			return nil, fmt.Errorf("%w: command type required", ErrValidation)
		}
	case *AckPayload:
		if p.CommandID == "" {
			return nil, fmt.Errorf("%w: command_id required", ErrValidation)
		}
	case *StatePayload:
	}
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
