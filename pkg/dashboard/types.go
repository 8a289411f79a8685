package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is a complete dashboard view. Each delivery replaces the
// previous snapshot; nothing is merged.
type Snapshot struct {
	Stats     Stats           `json:"stats"`
	Users     []User          `json:"users"`
	Calls     []CallRecord    `json:"calls"`
	Messages  []MessageRecord `json:"messages"`
	Timestamp time.Time       `json:"timestamp"`
}

type Stats struct {
	TotalUsers    int `json:"totalUsers"`
	OnlineUsers   int `json:"onlineUsers"`
	ActiveCalls   int `json:"activeCalls"`
	MessagesToday int `json:"messagesToday"`
}

type User struct {
	ID       ID     `json:"id,omitempty"`
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Online   bool   `json:"online"`
}

type CallRecord struct {
	ID        ID        `json:"id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	Duration  int       `json:"duration,omitempty"`
	StartTime time.Time `json:"startTime"`
}

type MessageRecord struct {
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ID is an entity id the server may send as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("dashboard id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type Mode string

const (
	ModeNone   Mode = ""
	ModePush   Mode = "push"
	ModeStream Mode = "stream"
	ModePoll   Mode = "poll"
)

// Status describes how fresh the current view is.
type Status struct {
	Mode        Mode      `json:"mode"`
	LastUpdated time.Time `json:"lastUpdated"`
	// Stale is set when the latest delivery attempt failed. The last good
	// snapshot is still served.
	Stale     bool   `json:"stale"`
	LastError string `json:"lastError,omitempty"`
}
