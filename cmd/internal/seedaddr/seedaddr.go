// Package seedaddr parses a node's configured bootstrap_addr list into
// libp2p peer.AddrInfo values, shared by every cmd/ binary that dials a
// seed peer before joining D.
package seedaddr

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Parse converts a list of "/ip4/.../p2p/<id>"-style multiaddr strings
// into peer.AddrInfo values, ready for dht.Config.BootstrapPeers.
func Parse(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		info, err := peer.AddrInfoFromString(a)
		if err != nil {
			return nil, fmt.Errorf("seedaddr: invalid bootstrap_addr %q: %w", a, err)
		}
		out = append(out, *info)
	}
	return out, nil
}
