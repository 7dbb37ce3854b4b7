package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/command"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/metrics"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/reputation"
	"github.com/libp2p/go-libp2p/core/peer"
)

const loadShardCommand = command.LoadShard

// defaultMaxTokens is applied when an InferenceRequest leaves MaxTokens
// unset; C's validation requires every EXECUTE_TASK to carry a value in
// [1, 4096], so "unset" cannot pass through as 0.
const defaultMaxTokens = 256

// Config configures one Coordinator. TotalShards and ModelName describe
// the cluster's model split; the rest are tuning knobs with spec defaults
// filled in by New when left zero.
type Config struct {
	Discovery          *discovery.Discovery
	Engine             *command.Engine
	Reputation         *reputation.Table
	Metrics            *metrics.Metrics
	Cluster            string
	ModelName          string
	TotalShards        uint32
	TotalLayers        uint32
	StageTimeout       time.Duration // default 30s
	StageRetries       int           // default 2 (R_stage)
	NodeStartupTimeout time.Duration // default 30s
	// SingleNodeMemBytes, if set, is the approximate full-model resident
	// size used by Adaptive's single-node fallback heuristic.
	SingleNodeMemBytes uint64
	Spawn              SpawnFunc
}

// Coordinator is P: it assembles a pipeline snapshot from S, dispatches
// EXECUTE_TASK in strict shard order over C, and assembles the final
// InferenceResponse.
type Coordinator struct {
	discovery   *discovery.Discovery
	engine      *command.Engine
	reputation  *reputation.Table
	metrics     *metrics.Metrics
	cluster     string
	modelName   string
	totalShards uint32
	totalLayers uint32

	stageTimeout       time.Duration
	stageRetries       int
	nodeStartupTimeout time.Duration
	singleNodeMemBytes uint64
	spawn              SpawnFunc
}

// New constructs a Coordinator, filling in spec defaults for any zero
// duration/retry-count field.
func New(cfg Config) *Coordinator {
	stageTimeout := cfg.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = defaultStageTimeout
	}
	stageRetries := cfg.StageRetries
	if stageRetries <= 0 {
		stageRetries = defaultStageRetries
	}
	nodeStartup := cfg.NodeStartupTimeout
	if nodeStartup <= 0 {
		nodeStartup = defaultNodeStartupTimeout
	}
	return &Coordinator{
		discovery:          cfg.Discovery,
		engine:             cfg.Engine,
		reputation:         cfg.Reputation,
		metrics:            cfg.Metrics,
		cluster:            cfg.Cluster,
		modelName:          cfg.ModelName,
		totalShards:        cfg.TotalShards,
		totalLayers:        cfg.TotalLayers,
		stageTimeout:       stageTimeout,
		stageRetries:       stageRetries,
		nodeStartupTimeout: nodeStartup,
		singleNodeMemBytes: cfg.SingleNodeMemBytes,
		spawn:              cfg.Spawn,
	}
}

// Submit runs req through every shard of the pipeline in order and returns
// the assembled response, or a *SubmitError naming why it could not.
func (c *Coordinator) Submit(ctx context.Context, req InferenceRequest, strategy Strategy) (InferenceResponse, error) {
	start := time.Now()
	state := newPipelineState(req.RequestID)

	resp, err := c.submit(ctx, req, strategy, state)
	c.recordPipelineOutcome(state, time.Since(start))
	return resp, err
}

func (c *Coordinator) submit(ctx context.Context, req InferenceRequest, strategy Strategy, state *PipelineState) (InferenceResponse, error) {
	if err := c.ensureComplete(ctx, strategy); err != nil {
		_ = state.setState(PipelineFailed)
		return InferenceResponse{}, err
	}

	if err := state.setState(PipelineDispatching); err != nil {
		return InferenceResponse{}, newSubmitError(ErrInternal, err)
	}

	snapshot := c.discovery.Pipeline(c.totalShards)
	shardsUsed := make([]string, c.totalShards)

	var input []byte = []byte(req.Prompt)
	var lastResult command.ExecuteTaskResult

	for shardIdx := uint32(0); shardIdx < c.totalShards; shardIdx++ {
		slot := snapshot[shardIdx]
		if slot == nil {
			_ = state.setState(PipelineFailed)
			return InferenceResponse{}, newSubmitError(ErrPipelineIncomplete, fmt.Errorf("pipeline: shard %d has no assigned peer after strategy resolution", shardIdx))
		}

		result, peerID, err := c.runStage(ctx, req, shardIdx, slot, input)
		if err != nil {
			_ = state.setState(PipelineFailed)
			return InferenceResponse{}, err
		}
		shardsUsed[shardIdx] = peerID.String()
		lastResult = result
		input = result.OutputHiddenState
	}

	if err := state.setState(PipelineAssembling); err != nil {
		return InferenceResponse{}, newSubmitError(ErrInternal, err)
	}
	if err := state.setState(PipelineCompleted); err != nil {
		return InferenceResponse{}, newSubmitError(ErrInternal, err)
	}

	return InferenceResponse{
		RequestID:  req.RequestID,
		Text:       lastResult.DecodedText,
		Tokens:     lastResult.GeneratedTokens,
		LatencyMs:  lastResult.LatencyMs,
		ShardsUsed: shardsUsed,
	}, nil
}

// runStage dispatches one EXECUTE_TASK, retrying up to c.stageRetries
// times on a transient error before re-selecting the slot's peer once and
// retrying a final time, per §4.4 step 4.
func (c *Coordinator) runStage(ctx context.Context, req InferenceRequest, shardIdx uint32, slot *discovery.ShardAnnouncement, input []byte) (command.ExecuteTaskResult, peer.ID, error) {
	stage := StagePlanned
	advance := func(to StageState) {
		if err := stageTransition(stage, to); err == nil {
			stage = to
		}
	}

	candidate := slot
	reselected := false
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	for attempt := 0; ; attempt++ {
		advance(StageDispatched)
		peerID, err := parsePeerID(candidate.NodeID)
		if err != nil {
			return command.ExecuteTaskResult{}, "", newSubmitError(ErrInternal, err)
		}

		params := command.ExecuteTaskParams{
			TaskType:    "ai_inference",
			ModelName:   c.modelName,
			InputData:   input,
			ShardID:     shardIdx,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
		}

		advance(StageAwaiting)
		stageStart := time.Now()
		resp, err := c.engine.Send(ctx, peerID, command.ExecuteTask, params, c.stageTimeout)
		stageDur := time.Since(stageStart)

		if err == nil && resp.Status == command.StatusSuccess {
			var result command.ExecuteTaskResult
			if jerr := json.Unmarshal(resp.Result, &result); jerr != nil {
				advance(StageFailed)
				c.recordStageOutcome(shardIdx, "failed", stageDur)
				return command.ExecuteTaskResult{}, "", newSubmitError(ErrInternal, fmt.Errorf("pipeline: decode EXECUTE_TASK result: %w", jerr))
			}
			if verr := validateStageResult(shardIdx, c.totalShards, result); verr != nil {
				advance(StageFailed)
				c.recordStageOutcome(shardIdx, "failed", stageDur)
				return command.ExecuteTaskResult{}, "", newSubmitError(ErrNodeExecutionError, verr)
			}
			advance(StageCompleted)
			c.recordStageOutcome(shardIdx, "success", stageDur)
			c.recordReputation(candidate.NodeID, reputation.StageSuccess, "")
			return result, peerID, nil
		}

		failureKind := classifyStageFailure(err, resp)
		c.recordReputation(candidate.NodeID, reputation.StageFailure, string(failureKind))
		c.recordStageOutcome(shardIdx, "retry", stageDur)

		if attempt < c.stageRetries {
			advance(StageRetrying)
			slog.Warn("pipeline: stage failed, retrying", "shard_index", shardIdx, "peer", candidate.NodeID, "attempt", attempt+1, "err", err)
			continue
		}

		if !reselected {
			reselected = true
			if next := c.discovery.BestLoaded(shardIdx, candidate.NodeID); next != nil {
				candidate = next
				advance(StageRetrying)
				slog.Warn("pipeline: stage exhausted retries, re-selecting peer", "shard_index", shardIdx, "old_peer", slot.NodeID, "new_peer", candidate.NodeID)
				continue
			}
		}

		advance(StageFailed)
		c.recordStageOutcome(shardIdx, "failed", stageDur)
		return command.ExecuteTaskResult{}, "", newSubmitError(classifyStageFailure(err, resp), fmt.Errorf("pipeline: shard %d exhausted retries against %s: %w", shardIdx, candidate.NodeID, firstNonNil(err, resp.Error)))
	}
}

// validateStageResult enforces §4.4 step 5: the final shard must carry
// generated tokens and decoded text; earlier shards must carry a
// hidden-state payload.
func validateStageResult(shardIdx, totalShards uint32, result command.ExecuteTaskResult) error {
	if shardIdx == totalShards-1 {
		if len(result.GeneratedTokens) == 0 && result.DecodedText == "" {
			return fmt.Errorf("pipeline: final shard %d returned no generated tokens or decoded text", shardIdx)
		}
		return nil
	}
	if len(result.OutputHiddenState) == 0 {
		return fmt.Errorf("pipeline: intermediate shard %d returned no hidden-state payload", shardIdx)
	}
	return nil
}

func classifyStageFailure(err error, resp command.CommandResponse) ErrorKind {
	if err != nil {
		return ErrNodeUnreachable
	}
	return ErrNodeExecutionError
}

func (c *Coordinator) recordReputation(nodeID string, kind reputation.EventKind, failureKind string) {
	if c.reputation == nil {
		return
	}
	c.reputation.Record(reputation.Event{PeerID: nodeID, Kind: kind, FailureKind: failureKind})
}

func (c *Coordinator) recordStageOutcome(shardIdx uint32, outcome string, dur time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.PipelineStageTotal.WithLabelValues(outcome).Inc()
	c.metrics.PipelineStageDuration.WithLabelValues(fmt.Sprint(shardIdx)).Observe(dur.Seconds())
}

func (c *Coordinator) recordPipelineOutcome(state *PipelineState, dur time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "failed"
	switch state.State() {
	case PipelineCompleted:
		outcome = "success"
	case PipelineTimedOut:
		outcome = "timed_out"
	}
	c.metrics.PipelineTotal.WithLabelValues(outcome).Inc()
	c.metrics.PipelineDuration.WithLabelValues(c.cluster).Observe(dur.Seconds())
}

func parsePeerID(s string) (peer.ID, error) {
	pid, err := peer.Decode(s)
	if err != nil {
		return "", fmt.Errorf("pipeline: invalid node id %q: %w", s, err)
	}
	return pid, nil
}

func firstNonNil(err error, msg string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%s", msg)
}
