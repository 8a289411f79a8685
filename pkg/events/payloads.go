package events

import "encoding/json"

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageFile  MessageType = "FILE"
	MessageImage MessageType = "IMAGE"
)

// MessageReceived is the data of a MESSAGE_RECEIVED frame. ClientMsgID is
// set when the server echoes back one of our own sends.
type MessageReceived struct {
	MessageID   string      `json:"messageId"`
	ClientMsgID string      `json:"clientMsgId,omitempty"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	SessionID   string      `json:"sessionId"`
	Type        MessageType `json:"type,omitempty"`
	Content     string      `json:"content"`
	Timestamp   string      `json:"timestamp,omitempty"`
	Status      string      `json:"status,omitempty"`
	IsOwn       bool        `json:"isOwn,omitempty"`
}

type MessageStatusUpdated struct {
	MessageID   string `json:"messageId,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Status      string `json:"status"`
}

type UserRef struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type IncomingCall struct {
	CallID   string  `json:"callId"`
	From     string  `json:"from"`
	To       string  `json:"to,omitempty"`
	FromUser UserRef `json:"fromUser"`
	Type     string  `json:"type"`
	SDP      string  `json:"sdp,omitempty"`
}

type CallStateChanged struct {
	CallID   string `json:"callId"`
	OldState string `json:"oldState,omitempty"`
	NewState string `json:"newState"`
	Peer     string `json:"peer,omitempty"`
	SDP      string `json:"sdp,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type UserStatusChanged struct {
	UserID        string `json:"userId"`
	OldStatus     string `json:"oldStatus,omitempty"`
	NewStatus     string `json:"newStatus"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// ICECandidate carries an opaque candidate for the media layer.
type ICECandidate struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}
