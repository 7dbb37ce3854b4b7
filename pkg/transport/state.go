package transport

import "fmt"

// ConnState is a connection's position in the per-connection state machine:
// Dialing -> (Authenticated ∧ Multiplexed) -> Open -> (Closed | KeepaliveFailed | RemoteReset).
// No transition skips a step; Authenticated is a transient state collapsing
// the security-handshake and stream-multiplexer-negotiation steps libp2p
// performs atomically inside Connect/Accept.
type ConnState string

const (
	StateDialing         ConnState = "Dialing"
	StateAuthenticated   ConnState = "Authenticated"
	StateOpen            ConnState = "Open"
	StateClosed          ConnState = "Closed"
	StateKeepaliveFailed ConnState = "KeepaliveFailed"
	StateRemoteReset     ConnState = "RemoteReset"
)

var allowedTransitions = map[ConnState]map[ConnState]bool{
	StateDialing:       {StateAuthenticated: true},
	StateAuthenticated: {StateOpen: true},
	StateOpen: {
		StateClosed:          true,
		StateKeepaliveFailed: true,
		StateRemoteReset:     true,
	},
}

// IsTerminal reports whether no further transitions are possible from s.
func (s ConnState) IsTerminal() bool {
	switch s {
	case StateClosed, StateKeepaliveFailed, StateRemoteReset:
		return true
	default:
		return false
	}
}

// transition validates and applies a state change, returning an error if
// the move is not permitted from the current state.
func transition(from, to ConnState) error {
	if from.IsTerminal() {
		return fmt.Errorf("transport: connection already in terminal state %s, cannot move to %s", from, to)
	}
	if allowedTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("transport: invalid state transition %s -> %s", from, to)
}
