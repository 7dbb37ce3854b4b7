package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/metrics"
)

const (
	// dialDeadline bounds a single dial attempt, per the transport contract.
	dialDeadline = 30 * time.Second

	// pingInterval/pingTimeout implement the mandatory per-connection
	// keepalive: every open connection is pinged on this cadence, and a
	// single missed round tears the connection down as KeepaliveFailed.
	pingInterval = 25 * time.Second
	pingTimeout  = 10 * time.Second

	// idleCloseAfter closes any tracked connection that has seen no
	// successful ping (and therefore no confirmed liveness) in this long,
	// a backstop in case a connection's keepalive goroutine dies silently.
	idleCloseAfter = 90 * time.Second

	reconnectInterval  = 30 * time.Second
	backoffBase        = 30 * time.Second
	backoffMax         = 15 * time.Minute
	maxConcurrentDials = 3
)

// ConnectionManager owns the set of ConnectionRecords for a node: it dials
// peers, drives the keepalive ping on every open connection, reconnects
// watched peers with exponential backoff after a disconnect, and tears a
// connection down when its keepalive fails.
type ConnectionManager struct {
	t       *Transport
	cluster string
	metrics *metrics.Metrics
	pingPID protocol.ID

	mu        sync.RWMutex
	records   map[peer.ID]*ConnectionRecord
	watchlist map[peer.ID]*watchState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type watchState struct {
	consecFailures int
	backoffUntil   time.Time
}

// NewConnectionManager creates a manager for the given Transport. cluster
// namespaces the keepalive protocol ID so distinct clusters sharing one
// process don't cross-talk.
func NewConnectionManager(t *Transport, cluster string, m *metrics.Metrics) *ConnectionManager {
	return &ConnectionManager{
		t:         t,
		cluster:   cluster,
		metrics:   m,
		pingPID:   protocol.ID(fmt.Sprintf("/swarm/%s/ping/1.0.0", cluster)),
		records:   make(map[peer.ID]*ConnectionRecord),
		watchlist: make(map[peer.ID]*watchState),
	}
}

// Start installs the ping stream handler and begins the background event,
// reconnect, and idle-close loops.
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.t.host.SetStreamHandler(cm.pingPID, cm.handlePing)

	cm.wg.Add(3)
	go cm.eventLoop()
	go cm.reconnectLoop()
	go cm.idleCloseLoop()

	slog.Info("transport: connection manager started", "cluster", cm.cluster)
}

// Close stops all background goroutines. It does not close the Transport's
// host; callers close that separately once every component has shut down.
func (cm *ConnectionManager) Close() {
	if cm.cancel != nil {
		cm.cancel()
	}
	cm.wg.Wait()
}

// SetWatchlist replaces the set of peers the manager actively tries to keep
// connected — shard holders the caller currently depends on, plus any
// admission-gate trusted_peers.
func (cm *ConnectionManager) SetWatchlist(peers []peer.ID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	next := make(map[peer.ID]*watchState, len(peers))
	for _, pid := range peers {
		if ws, ok := cm.watchlist[pid]; ok {
			next[pid] = ws
		} else {
			next[pid] = &watchState{}
		}
	}
	cm.watchlist = next
}

// Records returns a snapshot of every tracked connection record.
func (cm *ConnectionManager) Records() []*ConnectionRecord {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*ConnectionRecord, 0, len(cm.records))
	for _, r := range cm.records {
		out = append(out, r)
	}
	return out
}

// RecordFor returns the tracked connection record for pid, if any.
func (cm *ConnectionManager) RecordFor(pid peer.ID) (*ConnectionRecord, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	r, ok := cm.records[pid]
	return r, ok
}

// Dial opens an authenticated, multiplexed connection to pid at addr,
// racing substrate_hint against the dial deadline. On success it installs
// a ConnectionRecord and starts that connection's keepalive loop.
func (cm *ConnectionManager) Dial(ctx context.Context, pid peer.ID, addr ma.Multiaddr, substrateHint Substrate) (*ConnectionRecord, error) {
	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, dialDeadline)
	defer cancel()

	rec := newConnectionRecord(pid, substrateHint, addr.String())
	cm.mu.Lock()
	cm.records[pid] = rec
	cm.mu.Unlock()

	ai := peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{addr}}
	if err := cm.t.host.Connect(dialCtx, ai); err != nil {
		cm.recordDial(substrateHint, "failure", time.Since(start))
		kind := classifyDialErr(err)
		return nil, &DialError{Kind: kind, Err: err}
	}

	rec.Substrate = classifySubstrate(cm.t.host, pid)
	if err := rec.setState(StateAuthenticated, nil); err != nil {
		return nil, err
	}
	if err := rec.setState(StateOpen, nil); err != nil {
		return nil, err
	}
	rec.touch()

	cm.recordDial(substrateHint, "success", time.Since(start))
	slog.Info("transport: connection established", "peer", pid, "substrate", rec.Substrate)

	cm.wg.Add(1)
	go cm.keepaliveLoop(pid, rec)

	return rec, nil
}

func (cm *ConnectionManager) recordDial(substrate Substrate, result string, dur time.Duration) {
	if cm.metrics == nil {
		return
	}
	cm.metrics.DialTotal.WithLabelValues(string(substrate), result).Inc()
	cm.metrics.DialDurationSeconds.WithLabelValues(string(substrate)).Observe(dur.Seconds())
}

func classifyDialErr(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return ErrKindRefused
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "no good addresses"), strings.Contains(msg, "network is unreachable"):
		return ErrKindUnreachable
	default:
		return ErrKindTransport
	}
}

// keepaliveLoop pings the peer on pingInterval; a single failed round
// (timeout or transport error) terminates the connection with
// KeepaliveFailed, per the transport contract.
func (cm *ConnectionManager) keepaliveLoop(pid peer.ID, rec *ConnectionRecord) {
	defer cm.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			if rec.State() != StateOpen {
				return
			}
			rtt, err := cm.ping(pid)
			if err != nil {
				cm.recordPing("failure", 0)
				cm.incKeepaliveFail()
				_ = rec.setState(StateKeepaliveFailed, fmt.Errorf("%w: %s", ErrKeepaliveFailed, err))
				cm.t.host.Network().ClosePeer(pid)
				slog.Warn("transport: keepalive failed, connection closed", "peer", pid, "error", err)
				return
			}
			rec.touch()
			cm.recordPing("success", rtt)
		}
	}
}

func (cm *ConnectionManager) recordPing(result string, rtt time.Duration) {
	if cm.metrics == nil {
		return
	}
	cm.metrics.PingRTTSeconds.WithLabelValues(result).Observe(rtt.Seconds())
}

func (cm *ConnectionManager) incKeepaliveFail() {
	if cm.metrics == nil {
		return
	}
	cm.metrics.KeepaliveFailTotal.WithLabelValues().Inc()
}

func (cm *ConnectionManager) ping(pid peer.ID) (time.Duration, error) {
	streamCtx, cancel := context.WithTimeout(cm.ctx, pingTimeout)
	defer cancel()

	s, err := cm.t.host.NewStream(streamCtx, pid, cm.pingPID)
	if err != nil {
		return 0, fmt.Errorf("open ping stream: %w", err)
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(pingTimeout))

	start := time.Now()
	if _, err := s.Write([]byte("ping\n")); err != nil {
		return 0, fmt.Errorf("write ping: %w", err)
	}
	reply, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read pong: %w", err)
	}
	if strings.TrimSpace(reply) != "pong" {
		return 0, fmt.Errorf("unexpected ping reply %q", reply)
	}
	return time.Since(start), nil
}

func (cm *ConnectionManager) handlePing(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(pingTimeout))

	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ping" {
		s.Reset()
		return
	}
	if _, err := s.Write([]byte("pong\n")); err != nil {
		s.Reset()
	}
}

// eventLoop tracks connectedness changes for watched peers so the
// reconnect loop knows which peers are currently down.
func (cm *ConnectionManager) eventLoop() {
	defer cm.wg.Done()

	sub, err := cm.t.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		slog.Error("transport: event bus subscribe failed", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			e := evt.(event.EvtPeerConnectednessChanged)
			if e.Connectedness == network.Connected {
				continue
			}
			cm.mu.Lock()
			if ws, watched := cm.watchlist[e.Peer]; watched {
				_ = ws
			}
			if rec, ok := cm.records[e.Peer]; ok && rec.State() == StateOpen {
				_ = rec.setState(StateClosed, ErrRemoteReset)
			}
			cm.mu.Unlock()
		}
	}
}

// reconnectLoop periodically redials watched peers that are currently
// disconnected and past their backoff window.
func (cm *ConnectionManager) reconnectLoop() {
	defer cm.wg.Done()

	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	sem := make(chan struct{}, maxConcurrentDials)

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.runReconnectCycle(sem)
		}
	}
}

func (cm *ConnectionManager) runReconnectCycle(sem chan struct{}) {
	now := time.Now()

	cm.mu.RLock()
	var targets []peer.ID
	for pid, ws := range cm.watchlist {
		if cm.t.host.Network().Connectedness(pid) == network.Connected {
			continue
		}
		if now.Before(ws.backoffUntil) {
			continue
		}
		targets = append(targets, pid)
	}
	cm.mu.RUnlock()

	for _, pid := range targets {
		select {
		case sem <- struct{}{}:
		default:
			continue
		}
		cm.wg.Add(1)
		go func(pid peer.ID) {
			defer cm.wg.Done()
			defer func() { <-sem }()
			cm.attemptReconnect(pid)
		}(pid)
	}
}

func (cm *ConnectionManager) attemptReconnect(pid peer.ID) {
	dialCtx, cancel := context.WithTimeout(cm.ctx, dialDeadline)
	defer cancel()

	err := cm.t.host.Connect(dialCtx, peer.AddrInfo{ID: pid})

	cm.mu.Lock()
	ws, ok := cm.watchlist[pid]
	if !ok {
		cm.mu.Unlock()
		return
	}
	if err != nil {
		ws.consecFailures++
		backoff := backoffBase * time.Duration(1<<min(ws.consecFailures, 5))
		if backoff > backoffMax {
			backoff = backoffMax
		}
		ws.backoffUntil = time.Now().Add(backoff)
		cm.mu.Unlock()
		cm.incReconnect("failure")
		slog.Debug("transport: reconnect failed", "peer", pid, "failures", ws.consecFailures, "backoff", backoff)
		return
	}
	ws.consecFailures = 0
	ws.backoffUntil = time.Time{}
	cm.mu.Unlock()

	cm.incReconnect("success")
	slog.Info("transport: reconnected", "peer", pid)
}

func (cm *ConnectionManager) incReconnect(result string) {
	if cm.metrics == nil {
		return
	}
	cm.metrics.ReconnectTotal.WithLabelValues(result).Inc()
}

// idleCloseLoop force-closes any tracked open connection that hasn't been
// touched (a successful ping or establishment) within idleCloseAfter, a
// backstop against a keepalive goroutine dying without tearing the
// connection down.
func (cm *ConnectionManager) idleCloseLoop() {
	defer cm.wg.Done()

	ticker := time.NewTicker(idleCloseAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.mu.RLock()
			stale := make([]peer.ID, 0)
			for pid, rec := range cm.records {
				if rec.State() == StateOpen && time.Since(rec.LastSeen()) > idleCloseAfter {
					stale = append(stale, pid)
				}
			}
			cm.mu.RUnlock()

			for _, pid := range stale {
				if rec, ok := cm.RecordFor(pid); ok {
					_ = rec.setState(StateKeepaliveFailed, fmt.Errorf("%w: idle past %s", ErrKeepaliveFailed, idleCloseAfter))
					cm.t.host.Network().ClosePeer(pid)
					slog.Warn("transport: closed idle connection", "peer", pid)
				}
			}
		}
	}
}

func classifySubstrate(h interface {
	Network() network.Network
}, pid peer.ID) Substrate {
	for _, c := range h.Network().ConnsToPeer(pid) {
		addr := c.RemoteMultiaddr().String()
		if strings.Contains(addr, "/quic") {
			return SubstrateQUIC
		}
		if strings.Contains(addr, "/tcp") {
			return SubstrateTCP
		}
	}
	return SubstrateDual
}
