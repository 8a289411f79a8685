package api

import (
	"encoding/json"
	"time"
)

// envelope is the uniform response body of every request API call.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type LoginRequest struct {
	SipURI    string `json:"sipUri"`
	Password  string `json:"password"`
	LocalIP   string `json:"localIp,omitempty"`
	LocalPort int    `json:"localPort,omitempty"`
}

type LoginResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	ExpiresIn   int    `json:"expiresIn"`
}

type Peer struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type LastMessage struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type,omitempty"`
}

type Session struct {
	SessionID   string       `json:"sessionId"`
	Peer        Peer         `json:"peer"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

type Message struct {
	MessageID   string    `json:"messageId"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Type        string    `json:"type,omitempty"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status,omitempty"`
	IsOwn       bool      `json:"isOwn,omitempty"`
}

type SendMessageRequest struct {
	To       string          `json:"to"`
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	Metadata MessageMetadata `json:"metadata"`
}

type MessageMetadata struct {
	ClientMsgID string `json:"clientMsgId"`
}

type MessageHistory struct {
	SessionID     string    `json:"sessionId"`
	Peer          Peer      `json:"peer"`
	Messages      []Message `json:"messages"`
	TotalMessages int       `json:"totalMessages"`
	HasMore       bool      `json:"hasMore"`
}

type Call struct {
	CallID     string     `json:"callId"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Type       string     `json:"type"`
	State      string     `json:"state"`
	Direction  string     `json:"direction,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Duration   int        `json:"duration,omitempty"`
	SDP        string     `json:"sdp,omitempty"`
}

type StartCallRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
