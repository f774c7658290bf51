package core

import "github.com/ringline/relay/internal/domain"

// Frame is a raw signaling payload (JSON on the wire).
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// NameResolver supplies a display name for a user id. The real
// implementation lives in the profile subsystem; the relay only
// consumes it to fill callerName when the client sends none.
type NameResolver func(domain.UserID) string
