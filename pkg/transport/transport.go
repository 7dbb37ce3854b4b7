// Package transport provides the T layer: a libp2p host wired for dual-stack
// QUIC/TCP dialing and listening, plus a ConnectionManager that tracks one
// ConnectionRecord per peer, drives the keepalive ping, and reconnects
// watched peers with exponential backoff.
package transport

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/metrics"
)

// Config configures a Transport. Priv is required; everything else has a
// usable zero value.
type Config struct {
	Priv crypto.PrivKey

	// ListenAddrs are multiaddr strings to bind. Empty means libp2p's
	// default (listen on all interfaces, OS-chosen ports).
	ListenAddrs []string

	// DialSubstrate controls which transport a dial_out prefers when both
	// are registered; listening is always dual-stack. Empty means Dual.
	DialSubstrate Substrate

	// Gater, if non-nil, is installed as the host's ConnectionGater —
	// node admission control lives here (see internal/clustergate).
	Gater connmgr.ConnectionGater

	Metrics *metrics.Metrics
}

// Transport wraps a libp2p host with this module's dial/listen contract.
type Transport struct {
	host    host.Host
	cfg     Config
	metrics *metrics.Metrics
}

// New constructs a Transport: a libp2p host with QUIC and TCP transports
// registered, listening on cfg.ListenAddrs (or libp2p's defaults).
func New(cfg Config) (*Transport, error) {
	if cfg.Priv == nil {
		return nil, fmt.Errorf("transport: Config.Priv is required")
	}
	if cfg.DialSubstrate == "" {
		cfg.DialSubstrate = SubstrateDual
	}

	opts := []libp2p.Option{
		libp2p.Identity(cfg.Priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
	}

	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}

	if cfg.Gater != nil {
		opts = append(opts, libp2p.ConnectionGater(cfg.Gater))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create libp2p host: %w", err)
	}

	return &Transport{host: h, cfg: cfg, metrics: cfg.Metrics}, nil
}

// Host returns the underlying libp2p host, for components (D, C) that need
// direct access to stream handlers or the DHT's routing table.
func (t *Transport) Host() host.Host { return t.host }

// PeerID returns this node's own peer id.
func (t *Transport) PeerID() peer.ID { return t.host.ID() }

// Addrs returns the multiaddrs this node is listening on.
func (t *Transport) Addrs() []string {
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), t.host.ID()))
	}
	return out
}

// Close shuts down the host and releases all listeners and connections.
func (t *Transport) Close() error {
	return t.host.Close()
}
