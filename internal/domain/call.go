package domain

import "time"

type (
	CallID   string
	CallKind string
)

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// CallState is the lifecycle of a call session. There is no transition
// out of Ended; anything referencing an ended call is stale.
type CallState int

const (
	CallRinging CallState = iota
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

type Call struct {
	ID        CallID
	Caller    UserID
	Receiver  UserID
	Kind      CallKind
	State     CallState
	StartedAt time.Time
}

// PeerOf returns the other participant relative to id.
func (c *Call) PeerOf(id UserID) (UserID, bool) {
	switch id {
	case c.Caller:
		return c.Receiver, true
	case c.Receiver:
		return c.Caller, true
	}
	return "", false
}
