package websocket

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FlexibleTime handles both Unix millisecond timestamps and RFC3339 strings
type FlexibleTime struct {
	time.Time
}

// UnmarshalJSON implements custom unmarshaling for timestamps
func (ft *FlexibleTime) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err == nil {
		ft.Time = time.UnixMilli(ms)
		return nil
	}

	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("timestamp must be Unix milliseconds (integer) or RFC3339 string")
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return err
	}
	ft.Time = t
	return nil
}

// MarshalJSON always writes RFC3339
func (ft FlexibleTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(ft.Time)
}

// Message types for WebSocket communication
const (
	// System messages
	MessageTypeSystem = "system"
	MessageTypePing   = "ping"
	MessageTypePong   = "pong"
	MessageTypeError  = "error"

	// Client requests
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeWatchView   = "watch_view"
	MessageTypeUnwatchView = "unwatch_view"

	// Server pushes
	MessageTypeSnapshot = "snapshot"
	MessageTypeView     = "view"
)

// Error codes sent in error payloads besides the cache's own codes
const (
	ErrorCodeInvalidJSON    = "invalid_json"
	ErrorCodeUnknownType    = "unknown_type"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeNotSubscribed  = "not_subscribed"
	ErrorCodeUnknownView    = "unknown_view"
	ErrorCodeInvalidPayload = "invalid_payload"
)

// Message represents a WebSocket message
type Message struct {
	// Type identifies the message type for routing
	Type string `json:"type"`

	// Payload contains the message-specific data
	Payload interface{} `json:"payload,omitempty"`

	// ID is a unique message identifier for acknowledgment
	ID string `json:"id,omitempty"`

	// ReplyTo references the original message ID for responses
	ReplyTo string `json:"reply_to,omitempty"`

	// Timestamp when the message was created (accepts Unix ms or RFC3339)
	Timestamp FlexibleTime `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType string, payload interface{}) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: FlexibleTime{Time: time.Now().UTC()},
	}
}

// NewReply creates a reply message to an original message
func NewReply(original *Message, msgType string, payload interface{}) *Message {
	m := NewMessage(msgType, payload)
	m.ReplyTo = original.ID
	return m
}

// NewErrorMessage creates an error message
func NewErrorMessage(code string, message string) *Message {
	return NewMessage(MessageTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// ErrorPayload represents an error message payload
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	ViewID  string `json:"view_id,omitempty"`
}

// PingPayload represents a ping message payload
type PingPayload struct {
	ClientTime int64 `json:"client_time"`
}

// PongPayload represents a pong message payload
type PongPayload struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
	Latency    int64 `json:"latency_ms"`
}

// SystemPayload represents system event payloads
type SystemPayload struct {
	Event   string                 `json:"event"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// PathPayload names a store path for subscribe and unsubscribe
type PathPayload struct {
	Path string `json:"path"`
}

// SnapshotPayload carries one delivered value of a subscribed path
type SnapshotPayload struct {
	Path   string      `json:"path"`
	Value  interface{} `json:"value"`
	Exists bool        `json:"exists"`
	Seq    uint64      `json:"seq"`
}

// WatchViewPayload selects a named view
type WatchViewPayload struct {
	View    string `json:"view"`
	Group   string `json:"group"`
	Problem string `json:"problem,omitempty"`
}

// UnwatchViewPayload names a view returned by watch_view
type UnwatchViewPayload struct {
	ID string `json:"id"`
}

// ViewPayload carries the state of a watched view
type ViewPayload struct {
	ID      string      `json:"id"`
	View    string      `json:"view"`
	Group   string      `json:"group"`
	Problem string      `json:"problem,omitempty"`
	State   string      `json:"state"` // "pending", "ready", "failed"
	Value   interface{} `json:"value,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ParsePayload unmarshals the payload into a specific type
func (m *Message) ParsePayload(target interface{}) error {
	if m.Payload == nil {
		return nil
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
