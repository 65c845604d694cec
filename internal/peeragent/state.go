package peeragent

import (
	"time"

	"btclient/internal/bitfield"
)

// ConnectionStatus tracks the lifecycle of one peer connection, richer
// than a bare connected/disconnected bool so the coordinator's
// registry has something to log and to prune on.
type ConnectionStatus int

const (
	Connecting ConnectionStatus = iota
	Connected
	Disconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// State is the per-peer bookkeeping an Agent owns exclusively; only
// the owning Agent's goroutine mutates it; a snapshot is taken under
// mu for readers outside the agent (Agent.Snapshot).
type State struct {
	PeerID [20]byte
	Status ConnectionStatus

	PeerChoking    bool
	AmChoking      bool
	PeerInterested bool
	AmInterested   bool

	Bitfield bitfield.Bitfield

	bitfieldSeen    bool // whether the first substantive message has been processed
	PendingRequests int
	LastActivity    time.Time
}

// newState returns the initial per-peer state: both sides choked,
// neither interested, per spec.md's PeerState initial values.
func newState(peerID [20]byte, numPieces int) *State {
	return &State{
		PeerID:    peerID,
		Status:    Connecting,
		AmChoking: true,

		PeerChoking: true,
		Bitfield:    bitfield.New(numPieces),
	}
}
