// Package session holds per-client connection state: the descriptor,
// a stable identity, the addresses captured at accept time for status
// reports, and the escape-prefix interpreter's cmd_pending flag — which
// the Design Notes call out to live here rather than as process-wide
// state, so interleaved input from distinct clients can't corrupt each
// other's command parsing.
package session

import "github.com/google/uuid"

// Session is one accepted TCP client.
type Session struct {
	ID   uuid.UUID
	Fd   int
	Raw  bool
	Peer string // remote address, captured once at accept
	Local string // local address, captured once at accept

	// CmdPending is true exactly when the prior inbound byte from this
	// client was the escape byte and the interpreter is waiting for
	// its argument.
	CmdPending bool
}

// New creates a session for an accepted descriptor.
func New(fd int, raw bool, peer, local string) *Session {
	return &Session{
		ID:    uuid.New(),
		Fd:    fd,
		Raw:   raw,
		Peer:  peer,
		Local: local,
	}
}
