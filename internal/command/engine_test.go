package command

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/identity"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/pkg/transport"
)

type fakeBackend struct {
	caps       discovery.NodeCapabilities
	files      []FileSummary
	status     GetStatusResult
	execResult ExecuteTaskResult
	execErr    error
	loadErr    error
}

func (b *fakeBackend) Capabilities() discovery.NodeCapabilities { return b.caps }

func (b *fakeBackend) LoadShard(ctx context.Context, shardID uint32) (string, error) {
	if b.loadErr != nil {
		return "", b.loadErr
	}
	return fmt.Sprintf("/shards/shard-%d.gguf", shardID), nil
}

func (b *fakeBackend) ListFiles() []FileSummary { return b.files }

func (b *fakeBackend) ExecuteTask(ctx context.Context, params ExecuteTaskParams) (ExecuteTaskResult, error) {
	if b.execErr != nil {
		return ExecuteTaskResult{}, b.execErr
	}
	return b.execResult, nil
}

func (b *fakeBackend) Status() GetStatusResult { return b.status }

func (b *fakeBackend) SyncTorrents(ctx context.Context) ([]string, error) { return nil, nil }

func newTestHost(t *testing.T) *transport.Transport {
	t.Helper()
	dir := t.TempDir()
	id, err := identity.LoadOrCreate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	tr, err := transport.New(transport.Config{Priv: id.Priv, ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func addrInfo(tr *transport.Transport) peer.AddrInfo {
	return *peer.NewAddrInfo(tr.Host().ID(), tr.Host().Peerstore().Addrs(tr.Host().ID()))
}

func connectHosts(t *testing.T, a, b *transport.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Host().Connect(ctx, addrInfo(b)); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestEngine_GetCapabilitiesRoundTrip(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)
	connectHosts(t, client, server)

	backend := &fakeBackend{caps: discovery.NodeCapabilities{CPUCores: 8, Reputation: 0.7}}
	engine := NewEngine(server.Host(), "testcluster", 4, backend)
	engine.Start()
	t.Cleanup(engine.Close)

	clientEngine := NewEngine(client.Host(), "testcluster", 4, &fakeBackend{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := clientEngine.Send(ctx, server.Host().ID(), GetCapabilities, struct{}{}, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Fatalf("Status = %q, want success (error=%s)", resp.Status, resp.Error)
	}

	var result GetCapabilitiesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Capabilities.CPUCores != 8 {
		t.Errorf("CPUCores = %d, want 8", result.Capabilities.CPUCores)
	}
}

func TestEngine_LoadShardRoundTrip(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)
	connectHosts(t, client, server)

	engine := NewEngine(server.Host(), "testcluster", 4, &fakeBackend{})
	engine.Start()
	t.Cleanup(engine.Close)

	clientEngine := NewEngine(client.Host(), "testcluster", 4, &fakeBackend{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := clientEngine.Send(ctx, server.Host().ID(), LoadShard, LoadShardParams{ShardID: 2}, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Fatalf("Status = %q, want success (error=%s)", resp.Status, resp.Error)
	}
	var result LoadShardResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ShardID != 2 {
		t.Errorf("ShardID = %d, want 2", result.ShardID)
	}
}

func TestEngine_ValidationErrorNeverCrashesHandler(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)
	connectHosts(t, client, server)

	engine := NewEngine(server.Host(), "testcluster", 4, &fakeBackend{})
	engine.Start()
	t.Cleanup(engine.Close)

	clientEngine := NewEngine(client.Host(), "testcluster", 4, &fakeBackend{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// shard_id out of range should come back as a status=error response,
	// not a dropped connection or a timeout.
	resp, err := clientEngine.Send(ctx, server.Host().ID(), ExecuteTask,
		ExecuteTaskParams{ModelName: "m", MaxTokens: 8, TopP: 1, ShardID: 99}, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != StatusError {
		t.Fatalf("Status = %q, want error", resp.Status)
	}
}

func TestEngine_ExecuteTaskBackendError(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)
	connectHosts(t, client, server)

	engine := NewEngine(server.Host(), "testcluster", 4, &fakeBackend{execErr: fmt.Errorf("shard not loaded")})
	engine.Start()
	t.Cleanup(engine.Close)

	clientEngine := NewEngine(client.Host(), "testcluster", 4, &fakeBackend{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := clientEngine.Send(ctx, server.Host().ID(), ExecuteTask,
		ExecuteTaskParams{ModelName: "m", MaxTokens: 8, TopP: 1, ShardID: 0}, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != StatusError {
		t.Fatalf("Status = %q, want error", resp.Status)
	}
}

func TestEngine_GetStatusRoundTrip(t *testing.T) {
	server := newTestHost(t)
	client := newTestHost(t)
	connectHosts(t, client, server)

	want := GetStatusResult{SwarmReady: true, Shards: []ShardStatus{{ShardIndex: 0, Loaded: true}}}
	engine := NewEngine(server.Host(), "testcluster", 4, &fakeBackend{status: want})
	engine.Start()
	t.Cleanup(engine.Close)

	clientEngine := NewEngine(client.Host(), "testcluster", 4, &fakeBackend{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := clientEngine.Send(ctx, server.Host().ID(), GetStatus, struct{}{}, 5*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Fatalf("Status = %q, want success (error=%s)", resp.Status, resp.Error)
	}
	var got GetStatusResult
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !got.SwarmReady || len(got.Shards) != 1 {
		t.Errorf("GetStatusResult = %+v, want %+v", got, want)
	}
}

func TestEngine_DeliverResponse_DropsUnmatchedRequestID(t *testing.T) {
	server := newTestHost(t)
	engine := NewEngine(server.Host(), "testcluster", 4, &fakeBackend{})

	// No pending entry exists for "nobody-is-waiting"; delivering it must
	// not panic, block, or be misdelivered to an unrelated waiter.
	engine.deliverResponse(CommandResponse{RequestID: "nobody-is-waiting", Status: StatusSuccess})
}

func TestEngine_DeliverResponse_CorrelatesByRequestIDNotArrivalOrder(t *testing.T) {
	server := newTestHost(t)
	engine := NewEngine(server.Host(), "testcluster", 4, &fakeBackend{})

	chA := make(chan CommandResponse, 1)
	chB := make(chan CommandResponse, 1)
	engine.mu.Lock()
	engine.pending["req-A"] = chA
	engine.pending["req-B"] = chB
	engine.mu.Unlock()

	// Deliver B's response first; it must land on chB, never chA.
	engine.deliverResponse(CommandResponse{RequestID: "req-B", Status: StatusSuccess})
	select {
	case <-chA:
		t.Fatal("req-B's response was misdelivered to req-A's channel")
	default:
	}
	select {
	case got := <-chB:
		if got.RequestID != "req-B" {
			t.Errorf("RequestID = %q, want req-B", got.RequestID)
		}
	default:
		t.Fatal("req-B's response was not delivered to chB")
	}
}
