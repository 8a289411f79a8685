package call

import (
	"fmt"
	"time"
)

type State string

const (
	StateRinging   State = "RINGING"
	StateActive    State = "ACTIVE"
	StateEnded     State = "ENDED"
	StateRejected  State = "REJECTED"
	StateCancelled State = "CANCELLED"
	StateFailed    State = "FAILED"
)

var transitions = map[State]map[State]bool{
	StateRinging: {
		StateActive:    true,
		StateRejected:  true,
		StateCancelled: true,
		StateEnded:     true,
		StateFailed:    true,
	},
	StateActive: {
		StateEnded:  true,
		StateFailed: true,
	},
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	_, live := transitions[s]
	return !live
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	return transitions[s][to]
}

type Type string

const (
	TypeAudio Type = "AUDIO"
	TypeVideo Type = "VIDEO"
)

type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

type Call struct {
	CallID     string     `json:"callId"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Type       Type       `json:"type"`
	State      State      `json:"state"`
	Direction  Direction  `json:"direction"`
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	// Duration is set on ENDED calls that were answered.
	Duration  time.Duration `json:"duration,omitempty"`
	LocalSDP  string        `json:"localSdp,omitempty"`
	RemoteSDP string        `json:"remoteSdp,omitempty"`
	EndReason string        `json:"endReason,omitempty"`
}

func (c Call) Peer() string {
	if c.Direction == DirectionIncoming {
		return c.From
	}
	return c.To
}

// StateConflictError reports a transition that is not reachable from the
// call's current state, typically a stale or reordered event.
type StateConflictError struct {
	CallID string
	From   State
	To     State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("call %s: %s -> %s is not a legal transition", e.CallID, e.From, e.To)
}
