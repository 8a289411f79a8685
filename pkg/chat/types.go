package chat

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionOwn  Direction = "OWN"
	DirectionPeer Direction = "PEER"
)

type Status string

const (
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// parseStatus maps a wire status to a Status, falling back to def for
// empty or unknown values.
func parseStatus(s string, def Status) Status {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := statusRank[st]; ok || st == StatusFailed {
		return st
	}
	return def
}

// advance reports whether a message in status from may move to to.
// Delivery progress never goes backwards and FAILED is only reachable
// while the send is still pending.
func advance(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending
	}
	if from == StatusFailed {
		return false
	}
	return statusRank[to] > statusRank[from]
}

type Message struct {
	MessageID   string    `json:"messageId,omitempty"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	SessionID   string    `json:"sessionId"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Direction   Direction `json:"direction"`
	Content     string    `json:"content"`
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	// Error holds the request failure for FAILED sends.
	Error string `json:"error,omitempty"`
}

// Pending reports whether the server has not yet acknowledged the message.
func (m Message) Pending() bool {
	return m.Direction == DirectionOwn && m.MessageID == "" && m.Status == StatusSending
}

// Unconfirmed reports whether the message is an own send the server has no
// record of, either still pending or FAILED.
func (m Message) Unconfirmed() bool {
	return m.Direction == DirectionOwn && m.MessageID == ""
}

type Peer struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status,omitempty"`
}

type Session struct {
	SessionID     string    `json:"sessionId"`
	Peer          Peer      `json:"peer"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
