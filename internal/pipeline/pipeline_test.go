package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/command"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/identity"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/reputation"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/pkg/transport"
)

// shardBackend is a fake command.Backend standing in for a real shard
// node: it turns EXECUTE_TASK into a deterministic hidden-state pass
// (non-final shard) or a decoded-token result (final shard), so the
// coordinator's assembly logic can be exercised end to end over real
// command-engine streams without a real model.
type shardBackend struct {
	shardIdx, totalShards uint32
	fail                  bool
}

func (b *shardBackend) Capabilities() discovery.NodeCapabilities { return discovery.NodeCapabilities{} }
func (b *shardBackend) LoadShard(ctx context.Context, shardID uint32) (string, error) {
	return "", nil
}
func (b *shardBackend) ListFiles() []command.FileSummary { return nil }
func (b *shardBackend) Status() command.GetStatusResult  { return command.GetStatusResult{} }
func (b *shardBackend) SyncTorrents(ctx context.Context) ([]string, error) { return nil, nil }

func (b *shardBackend) ExecuteTask(ctx context.Context, params command.ExecuteTaskParams) (command.ExecuteTaskResult, error) {
	if b.fail {
		return command.ExecuteTaskResult{}, errFakeStageFailure
	}
	if b.shardIdx == b.totalShards-1 {
		return command.ExecuteTaskResult{
			GeneratedTokens: []int{1, 2, 3},
			DecodedText:     "hello world",
			Model:           params.ModelName,
		}, nil
	}
	out := append([]byte{}, params.InputData...)
	out = append(out, byte('A'+b.shardIdx))
	return command.ExecuteTaskResult{OutputHiddenState: out}, nil
}

var errFakeStageFailure = &stageFailureError{}

type stageFailureError struct{}

func (*stageFailureError) Error() string { return "simulated backend failure" }

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

// twoShardCluster wires up two real shard-hosting hosts (shard 0 and shard
// 1), each running a real command.Engine over a real libp2p stream, plus a
// coordinator host connected to both. Discovery is populated directly via
// Ingest — the DHT plumbing that would normally deliver these records is
// already exercised end to end by internal/discovery's own tests.
func twoShardCluster(t *testing.T, fail0, fail1 bool) (*Coordinator, *discovery.Discovery) {
	t.Helper()
	const totalShards = 2
	const cluster = "pipeline-test"

	node0 := newTestHost(t)
	node1 := newTestHost(t)
	coordHost := newTestHost(t)
	connectHosts(t, coordHost, node0)
	connectHosts(t, coordHost, node1)

	engine0 := command.NewEngine(node0.Host(), cluster, totalShards, &shardBackend{shardIdx: 0, totalShards: totalShards, fail: fail0})
	engine0.Start()
	t.Cleanup(engine0.Close)
	engine1 := command.NewEngine(node1.Host(), cluster, totalShards, &shardBackend{shardIdx: 1, totalShards: totalShards, fail: fail1})
	engine1.Start()
	t.Cleanup(engine1.Close)

	coordEngine := command.NewEngine(coordHost.Host(), cluster, totalShards, &shardBackend{})

	disc := discovery.New(discovery.Config{Cluster: cluster, SelfID: coordHost.Host().ID().String(), Freshness: time.Minute})
	disc.Ingest(discovery.ShardAnnouncement{
		Cluster: cluster, ShardIndex: 0, NodeID: node0.Host().ID().String(),
		ShardLoaded: true, Timestamp: time.Now(),
		Capabilities: discovery.NodeCapabilities{Reputation: 0.8, MemTotalBytes: 100, MemAvailBytes: 80},
	})
	disc.Ingest(discovery.ShardAnnouncement{
		Cluster: cluster, ShardIndex: 1, NodeID: node1.Host().ID().String(),
		ShardLoaded: true, Timestamp: time.Now(),
		Capabilities: discovery.NodeCapabilities{Reputation: 0.8, MemTotalBytes: 100, MemAvailBytes: 80},
	})

	rep := reputation.New(context.Background())
	t.Cleanup(rep.Close)

	coord := New(Config{
		Discovery:    disc,
		Engine:       coordEngine,
		Reputation:   rep,
		Cluster:      cluster,
		ModelName:    "test-model",
		TotalShards:  totalShards,
		StageTimeout: 5 * time.Second,
		StageRetries: 1,
	})
	return coord, disc
}

func TestCoordinator_SubmitRoundTrip(t *testing.T) {
	coord, _ := twoShardCluster(t, false, false)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := coord.Submit(ctx, InferenceRequest{RequestID: "req-1", ModelName: "test-model", Prompt: "hi"}, FailFast())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Text != "hello world" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello world")
	}
	if len(resp.Tokens) != 3 {
		t.Errorf("Tokens = %v, want 3 entries", resp.Tokens)
	}
	if len(resp.ShardsUsed) != 2 || resp.ShardsUsed[0] == "" || resp.ShardsUsed[1] == "" {
		t.Errorf("ShardsUsed = %v, want both slots populated", resp.ShardsUsed)
	}
}

func TestCoordinator_SubmitFailFastOnIncompletePipeline(t *testing.T) {
	disc := discovery.New(discovery.Config{Cluster: "c", SelfID: "self", Freshness: time.Minute})
	coord := New(Config{Discovery: disc, TotalShards: 3, Cluster: "c", ModelName: "m"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := coord.Submit(ctx, InferenceRequest{RequestID: "req-2", Prompt: "hi"}, FailFast())
	if err == nil {
		t.Fatal("expected PipelineIncomplete error")
	}
	submitErr, ok := err.(*SubmitError)
	if !ok || submitErr.Kind != ErrPipelineIncomplete {
		t.Errorf("error = %v, want PipelineIncomplete", err)
	}
}

func TestCoordinator_StageExecutionErrorPropagates(t *testing.T) {
	coord, _ := twoShardCluster(t, false, true)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := coord.Submit(ctx, InferenceRequest{RequestID: "req-3", ModelName: "test-model", Prompt: "hi"}, FailFast())
	if err == nil {
		t.Fatal("expected an error from the failing shard-1 backend")
	}
	submitErr, ok := err.(*SubmitError)
	if !ok {
		t.Fatalf("error = %v, want *SubmitError", err)
	}
	if submitErr.Kind != ErrNodeExecutionError && submitErr.Kind != ErrNodeUnreachable {
		t.Errorf("Kind = %q, want NodeExecutionError or NodeUnreachable", submitErr.Kind)
	}
}

func TestStageTransition_RejectsSkippingAwaiting(t *testing.T) {
	if err := stageTransition(StagePlanned, StageCompleted); err == nil {
		t.Error("expected Planned -> Completed to be rejected (must pass through Dispatched/Awaiting)")
	}
}

func TestPipelineTransition_RejectsReopeningTerminal(t *testing.T) {
	if err := pipelineTransition(PipelineCompleted, PipelineDispatching); err == nil {
		t.Error("expected a terminal pipeline state to reject further transitions")
	}
}
