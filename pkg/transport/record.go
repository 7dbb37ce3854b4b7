package transport

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Substrate names the dial-time transport preference.
type Substrate string

const (
	SubstrateQUIC Substrate = "quic"
	SubstrateTCP  Substrate = "tcp"
	SubstrateDual Substrate = "dual"
)

// ConnectionRecord is the T layer's view of one connection: its peer,
// substrate, current state, and the bookkeeping the connection manager and
// keepalive loop need. The zero value is not usable; construct with
// newConnectionRecord.
type ConnectionRecord struct {
	PeerID      peer.ID
	Substrate   Substrate
	RemoteAddr  string
	Established time.Time

	mu          sync.Mutex
	state       ConnState
	lastSeen    time.Time
	closeReason error
}

func newConnectionRecord(pid peer.ID, substrate Substrate, remoteAddr string) *ConnectionRecord {
	now := time.Now()
	return &ConnectionRecord{
		PeerID:      pid,
		Substrate:   substrate,
		RemoteAddr:  remoteAddr,
		Established: now,
		state:       StateDialing,
		lastSeen:    now,
	}
}

// State returns the connection's current state.
func (r *ConnectionRecord) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CloseReason returns the error associated with a terminal state, if any.
func (r *ConnectionRecord) CloseReason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeReason
}

// LastSeen returns the last time activity (a successful ping, or connection
// establishment) was observed on this connection.
func (r *ConnectionRecord) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

func (r *ConnectionRecord) touch() {
	r.mu.Lock()
	r.lastSeen = time.Now()
	r.mu.Unlock()
}

func (r *ConnectionRecord) setState(to ConnState, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := transition(r.state, to); err != nil {
		return err
	}
	r.state = to
	if to.IsTerminal() {
		r.closeReason = reason
	}
	return nil
}
