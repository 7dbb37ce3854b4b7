package clustergate

import (
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Gater implements libp2p's ConnectionGater. With a non-empty trusted_peers
// set, it rejects inbound dials from unlisted peer IDs after the crypto
// handshake (the earliest point the remote peer ID is verified). An empty
// set accepts every inbound dial.
type Gater struct {
	mu      sync.RWMutex
	trusted map[peer.ID]bool
}

// New creates a Gater. A nil or empty trusted map means open admission.
func New(trusted map[peer.ID]bool) *Gater {
	if trusted == nil {
		trusted = make(map[peer.ID]bool)
	}
	return &Gater{trusted: trusted}
}

func (g *Gater) InterceptPeerDial(peer.ID) bool { return true }

func (g *Gater) InterceptAddrDial(peer.ID, multiaddr.Multiaddr) bool { return true }

func (g *Gater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

// InterceptSecured runs after the crypto handshake, once the remote peer ID
// is verified — the only point node admission can be enforced.
func (g *Gater) InterceptSecured(dir network.Direction, p peer.ID, addr network.ConnMultiaddrs) bool {
	if dir != network.DirInbound {
		return true
	}

	g.mu.RLock()
	open := len(g.trusted) == 0
	allowed := open || g.trusted[p]
	g.mu.RUnlock()

	remote := ""
	if addr != nil && addr.RemoteMultiaddr() != nil {
		remote = addr.RemoteMultiaddr().String()
	}

	if allowed {
		slog.Info("clustergate: inbound connection allowed", "peer", p, "remote_ip", remote)
		return true
	}

	slog.Warn("[FAIL2BAN] inbound connection rejected", "peer", p, "remote_ip", remote, "reason", "not in trusted_peers")
	return false
}

func (g *Gater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// UpdateTrustedPeers replaces the allowlist.
func (g *Gater) UpdateTrustedPeers(trusted map[peer.ID]bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if trusted == nil {
		trusted = make(map[peer.ID]bool)
	}
	g.trusted = trusted
}

// IsTrusted reports whether p is on the allowlist. With an empty allowlist
// every peer is considered trusted (open admission).
func (g *Gater) IsTrusted(p peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.trusted) == 0 || g.trusted[p]
}

// Count returns the number of explicitly trusted peers (0 means open
// admission, not "no peers allowed").
func (g *Gater) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.trusted)
}
