// Package clustergate implements node-to-node admission control: an
// optional trusted_peers allowlist enforced by a libp2p ConnectionGater
// before the multiplexer handshake completes. An empty allowlist accepts
// every inbound dial, matching a public swarm.
package clustergate

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// LoadTrustedPeers parses a trusted_peers file: one peer ID per line,
// blank lines and lines starting with '#' ignored.
func LoadTrustedPeers(path string) (map[peer.ID]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trusted_peers file: %w", err)
	}
	defer file.Close()

	trusted := make(map[peer.ID]bool)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		peerIDStr := fields[0]

		peerID, err := peer.Decode(peerIDStr)
		if err != nil {
			return nil, fmt.Errorf("invalid peer ID at line %d: %s (error: %w)", lineNum, peerIDStr, err)
		}
		trusted[peerID] = true
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading trusted_peers file: %w", err)
	}

	return trusted, nil
}
