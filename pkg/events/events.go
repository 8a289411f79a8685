// Package events defines the push channel wire frames and the typed
// payloads carried by each event kind.
package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

type EventKind string

const (
	KindMessageReceived      EventKind = "MESSAGE_RECEIVED"
	KindIncomingCall         EventKind = "INCOMING_CALL"
	KindCallStateChanged     EventKind = "CALL_STATE_CHANGED"
	KindUserStatusChanged    EventKind = "USER_STATUS_CHANGED"
	KindICECandidate         EventKind = "ICE_CANDIDATE"
	KindMessageStatusUpdated EventKind = "MESSAGE_STATUS_UPDATED"
	KindPing                 EventKind = "PING"
	KindPong                 EventKind = "PONG"
)

var kinds = []EventKind{
	KindMessageReceived,
	KindIncomingCall,
	KindCallStateChanged,
	KindUserStatusChanged,
	KindICECandidate,
	KindMessageStatusUpdated,
	KindPing,
	KindPong,
}

// Kinds lists every kind this client understands.
func Kinds() []EventKind { return slices.Clone(kinds) }

// Known reports whether k is one of the kinds this client understands.
// Unknown kinds still parse; the router simply has no handlers for them.
func (k EventKind) Known() bool {
	return slices.Contains(kinds, k)
}

// ChannelEvent is one inbound frame. It is produced by the channel and
// consumed once by the router.
type ChannelEvent struct {
	Kind      EventKind       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event data into v.
func (e ChannelEvent) Decode(v any) error {
	if len(e.Data) == 0 {
		return &ProtocolError{Kind: e.Kind, Reason: "missing data"}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ProtocolError{Kind: e.Kind, Reason: "invalid data", Err: err}
	}
	return nil
}

// ProtocolError describes a frame that could not be understood. Such frames
// are dropped and logged, never fatal.
type ProtocolError struct {
	Kind   EventKind
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Kind != "" {
		msg += fmt.Sprintf(" (%s)", e.Kind)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ParseFrame turns one raw text frame into a ChannelEvent.
//
// The frame must be a JSON object with a non-empty string "type". The
// timestamp may be RFC3339 or epoch milliseconds; when absent the receive
// time is used.
func ParseFrame(raw []byte, now time.Time) (ChannelEvent, error) {
	if !gjson.ValidBytes(raw) {
		return ChannelEvent{}, &ProtocolError{Reason: "invalid json"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return ChannelEvent{}, &ProtocolError{Reason: "frame is not an object"}
	}

	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return ChannelEvent{}, &ProtocolError{Reason: "missing type"}
	}

	ev := ChannelEvent{
		Kind:      EventKind(typ.Str),
		Timestamp: now,
	}

	ts := root.Get("timestamp")
	switch ts.Type {
	case gjson.String:
		parsed, err := time.Parse(time.RFC3339Nano, ts.Str)
		if err != nil {
			return ChannelEvent{}, &ProtocolError{Kind: ev.Kind, Reason: "bad timestamp", Err: err}
		}
		ev.Timestamp = parsed
	case gjson.Number:
		ev.Timestamp = time.UnixMilli(ts.Int())
	}

	if data := root.Get("data"); data.Exists() && data.Type != gjson.Null {
		ev.Data = json.RawMessage(data.Raw)
	}

	return ev, nil
}

// EncodeFrame builds an outbound frame of the given kind.
func EncodeFrame(kind EventKind, data any, now time.Time) ([]byte, error) {
	frame := struct {
		Type      EventKind `json:"type"`
		Timestamp int64     `json:"timestamp"`
		Data      any       `json:"data,omitempty"`
	}{
		Type:      kind,
		Timestamp: now.UnixMilli(),
		Data:      data,
	}
	return json.Marshal(frame)
}
