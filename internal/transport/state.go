package transport

import "sync/atomic"

// Role says which side of the socket a session is. The acceptor generates
// the symmetric key.
type Role int

const (
	Acceptor Role = iota
	Initiator
)

func (r Role) String() string {
	switch r {
	case Acceptor:
		return "acceptor"
	case Initiator:
		return "initiator"
	default:
		return "unknown"
	}
}

type State int32

const (
	Connecting State = iota
	Handshaking
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Handshaking:
		return "HANDSHAKING"
	case Established:
		return "ESTABLISHED"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further I/O is allowed in this state.
func (s State) Terminal() bool {
	return s == Closing || s == Closed
}

var lastID atomic.Uint64

// NextID returns a process-wide unique session id. The first id is 1.
func NextID() uint64 {
	return lastID.Add(1)
}
