package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/pkg/transport"
)

// runConnectLoop keeps the coordinator dialed in to whichever node
// currently serves each shard, so command.Engine.Send's host.NewStream
// always has a live connection to use — the coordinator never exchanges
// EXECUTE_TASK with a peer it isn't already T-connected to.
func runConnectLoop(ctx context.Context, disc *discovery.Discovery, connMgr *transport.ConnectionManager, totalShards uint32, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	connectKnown := func() {
		for _, ann := range disc.Pipeline(totalShards) {
			if ann == nil {
				continue
			}
			pid, err := peer.Decode(ann.NodeID)
			if err != nil {
				continue
			}
			if _, ok := connMgr.RecordFor(pid); ok {
				continue
			}
			for _, addr := range ann.Addrs {
				info, err := peer.AddrInfoFromString(addr)
				if err != nil || len(info.Addrs) == 0 {
					continue
				}
				dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				_, err = connMgr.Dial(dialCtx, pid, info.Addrs[0], transport.SubstrateDual)
				cancel()
				if err != nil {
					slog.Debug("coordinator: dial failed", "peer", pid, "err", err)
					continue
				}
				break
			}
		}
	}

	connectKnown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connectKnown()
		}
	}
}
