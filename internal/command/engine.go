package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ErrTimeout is returned by Send when no response arrives before the
// command's deadline.
var ErrTimeout = errors.New("command: timed out waiting for response")

const defaultRequestTimeout = 30 * time.Second

// Backend executes the closed command set against this node's actual
// state (capabilities sampling, shard storage, pipeline status). The
// engine depends only on this interface, never on shardstore/discovery/
// pipeline concrete types directly, so C stays a leaf package reachable
// from any of them without an import cycle.
type Backend interface {
	Capabilities() discovery.NodeCapabilities
	LoadShard(ctx context.Context, shardID uint32) (path string, err error)
	ListFiles() []FileSummary
	ExecuteTask(ctx context.Context, params ExecuteTaskParams) (ExecuteTaskResult, error)
	Status() GetStatusResult
	SyncTorrents(ctx context.Context) ([]string, error)
}

// Engine is C: it installs a libp2p stream handler for the closed command
// set, dispatches validated inbound commands to a Backend, and correlates
// outbound commands to their responses by request_id through a
// pending-requests table — never by the transport stream/request handle.
type Engine struct {
	host        host.Host
	protocolID  protocol.ID
	selfID      peer.ID
	totalShards uint32
	backend     Backend

	mu      sync.Mutex
	pending map[string]chan CommandResponse
}

// NewEngine constructs a command engine for one cluster. Call Start to
// install its stream handler.
func NewEngine(h host.Host, cluster string, totalShards uint32, backend Backend) *Engine {
	return &Engine{
		host:        h,
		protocolID:  protocol.ID(fmt.Sprintf("/swarm/%s/command/1.0.0", cluster)),
		selfID:      h.ID(),
		totalShards: totalShards,
		backend:     backend,
		pending:     make(map[string]chan CommandResponse),
	}
}

// Start installs the inbound stream handler.
func (e *Engine) Start() {
	e.host.SetStreamHandler(e.protocolID, e.handleStream)
}

// Close removes the inbound stream handler.
func (e *Engine) Close() {
	e.host.RemoveStreamHandler(e.protocolID)
}

// Send issues one command to peerID and blocks for its response, or
// ErrTimeout once timeout elapses (0 uses defaultRequestTimeout). Per §6,
// one envelope is exchanged per substream: Send opens a fresh stream,
// writes the request, and reads the single response from it.
func (e *Engine) Send(ctx context.Context, peerID peer.ID, name Name, params any, timeout time.Duration) (CommandResponse, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("command: marshal params: %w", err)
	}

	reqID := uuid.NewString()
	cmd := Command{
		Command:   name,
		RequestID: reqID,
		From:      e.selfID.String(),
		To:        peerID.String(),
		Timestamp: time.Now().Unix(),
		Params:    raw,
	}

	replyCh := make(chan CommandResponse, 1)
	e.mu.Lock()
	e.pending[reqID] = replyCh
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, reqID)
		e.mu.Unlock()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := e.host.NewStream(reqCtx, peerID, e.protocolID)
	if err != nil {
		return CommandResponse{}, fmt.Errorf("command: open stream: %w", err)
	}
	defer s.Close()
	if deadline, ok := reqCtx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	if err := json.NewEncoder(s).Encode(cmd); err != nil {
		return CommandResponse{}, fmt.Errorf("command: write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return CommandResponse{}, fmt.Errorf("command: close write: %w", err)
	}

	var resp CommandResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return CommandResponse{}, fmt.Errorf("command: read response: %w", err)
	}
	e.deliverResponse(resp)

	select {
	case got := <-replyCh:
		return got, nil
	case <-reqCtx.Done():
		return CommandResponse{}, ErrTimeout
	}
}

// deliverResponse is the sole path a response reaches its caller through:
// it looks up the reply channel by resp.RequestID, never by which stream
// or connection the bytes arrived on. A response whose request_id has no
// matching pending entry (already timed out, already delivered, or simply
// unsolicited) is logged and dropped, never misdelivered to an unrelated
// waiter.
func (e *Engine) deliverResponse(resp CommandResponse) {
	e.mu.Lock()
	ch, ok := e.pending[resp.RequestID]
	if ok {
		delete(e.pending, resp.RequestID)
	}
	e.mu.Unlock()

	if !ok {
		slog.Warn("command: dropping response with no matching pending request", "request_id", resp.RequestID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (e *Engine) handleStream(s network.Stream) {
	defer s.Close()

	var cmd Command
	if err := json.NewDecoder(s).Decode(&cmd); err != nil {
		slog.Warn("command: malformed inbound envelope", "peer", s.Conn().RemotePeer(), "err", err)
		s.Reset()
		return
	}

	resp := e.dispatch(context.Background(), cmd)
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		slog.Warn("command: failed to write response", "err", err)
	}
}

// dispatch validates cmd and routes it to the Backend, translating any
// failure into a CommandResponse{status=error} — validation or execution
// errors never crash the handler.
func (e *Engine) dispatch(ctx context.Context, cmd Command) CommandResponse {
	if err := ValidateCommand(cmd, e.totalShards); err != nil {
		return errorResponse(cmd, e.selfID.String(), err)
	}

	switch cmd.Command {
	case GetCapabilities:
		result := GetCapabilitiesResult{Capabilities: e.backend.Capabilities()}
		return mustSuccess(cmd, e.selfID.String(), result)

	case LoadShard:
		var p LoadShardParams
		_ = json.Unmarshal(cmd.Params, &p)
		path, err := e.backend.LoadShard(ctx, p.ShardID)
		if err != nil {
			return errorResponse(cmd, e.selfID.String(), err)
		}
		return mustSuccess(cmd, e.selfID.String(), LoadShardResult{ShardID: p.ShardID, Status: "loaded", Path: path})

	case ListFiles:
		return mustSuccess(cmd, e.selfID.String(), ListFilesResult{Files: e.backend.ListFiles()})

	case ExecuteTask:
		var p ExecuteTaskParams
		_ = json.Unmarshal(cmd.Params, &p)
		result, err := e.backend.ExecuteTask(ctx, p)
		if err != nil {
			return errorResponse(cmd, e.selfID.String(), err)
		}
		return mustSuccess(cmd, e.selfID.String(), result)

	case GetStatus:
		return mustSuccess(cmd, e.selfID.String(), e.backend.Status())

	case SyncTorrents:
		added, err := e.backend.SyncTorrents(ctx)
		if err != nil {
			return errorResponse(cmd, e.selfID.String(), err)
		}
		return mustSuccess(cmd, e.selfID.String(), SyncTorrentsResult{Added: added})

	default:
		return errorResponse(cmd, e.selfID.String(), fmt.Errorf("validation: unknown command %q", cmd.Command))
	}
}

// mustSuccess builds a success response; marshal failure of a Go struct we
// constructed ourselves is a programming error, not a caller-facing one.
func mustSuccess(cmd Command, selfID string, result any) CommandResponse {
	resp, err := successResponse(cmd, selfID, result)
	if err != nil {
		return errorResponse(cmd, selfID, fmt.Errorf("internal: marshal result: %w", err))
	}
	return resp
}
