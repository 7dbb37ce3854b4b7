package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/command"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
)

func loadShardParams(shardIdx uint32) command.LoadShardParams {
	return command.LoadShardParams{ShardID: shardIdx}
}

// StrategyKind names one of the five incomplete-pipeline strategies.
type StrategyKind string

const (
	StrategyFailFast     StrategyKind = "FailFast"
	StrategyWait         StrategyKind = "Wait"
	StrategyDynamicLoad  StrategyKind = "DynamicLoad"
	StrategySpawnNodes   StrategyKind = "SpawnNodes"
	StrategyAdaptive     StrategyKind = "Adaptive"
)

// Strategy configures how Submit handles a pipeline snapshot with empty
// shard slots. Wait is the only variant carrying a parameter (its poll
// deadline); the others are pure tags.
type Strategy struct {
	Kind     StrategyKind
	WaitFor  time.Duration // only meaningful for StrategyWait
}

// FailFast returns PipelineIncomplete immediately.
func FailFast() Strategy { return Strategy{Kind: StrategyFailFast} }

// Wait polls S every 500 ms until the pipeline is complete or d elapses.
func Wait(d time.Duration) Strategy { return Strategy{Kind: StrategyWait, WaitFor: d} }

// DynamicLoad sends LOAD_SHARD to the best shard_loaded=false candidate for
// each missing slot, then waits for it to re-announce as loaded.
func DynamicLoad() Strategy { return Strategy{Kind: StrategyDynamicLoad} }

// SpawnNodes locally spawns a shard-hosting process per missing slot.
func SpawnNodes() Strategy { return Strategy{Kind: StrategySpawnNodes} }

// Adaptive tries DynamicLoad, then Wait, then SpawnNodes, then a
// single-node full-model fallback.
func Adaptive() Strategy { return Strategy{Kind: StrategyAdaptive} }

// SpawnFunc locally starts a shard-hosting process for shardIndex. Callers
// wire in their own process-management implementation; a Coordinator
// without one configured treats SpawnNodes/Adaptive's spawn step as
// unavailable rather than panicking.
type SpawnFunc func(ctx context.Context, shardIndex uint32) error

// ensureComplete blocks until c's discovery snapshot reports every shard
// slot filled, or returns PipelineIncomplete per the configured strategy.
func (c *Coordinator) ensureComplete(ctx context.Context, strategy Strategy) error {
	if c.discovery.IsComplete(c.totalShards) {
		return nil
	}

	switch strategy.Kind {
	case StrategyFailFast:
		return newSubmitError(ErrPipelineIncomplete, fmt.Errorf("pipeline: incomplete, FailFast strategy"))

	case StrategyWait:
		return c.waitUntilComplete(ctx, strategy.WaitFor)

	case StrategyDynamicLoad:
		return c.dynamicLoad(ctx)

	case StrategySpawnNodes:
		return c.spawnMissing(ctx)

	case StrategyAdaptive:
		if err := c.dynamicLoad(ctx); err == nil {
			return nil
		}
		if err := c.waitUntilComplete(ctx, defaultNodeStartupTimeout); err == nil {
			return nil
		}
		if err := c.spawnMissing(ctx); err == nil {
			return nil
		}
		if ok := c.singleNodeFallback(); ok {
			return nil
		}
		return newSubmitError(ErrPipelineIncomplete, fmt.Errorf("pipeline: Adaptive exhausted DynamicLoad, Wait, SpawnNodes, and single-node fallback"))

	default:
		return newSubmitError(ErrInternal, fmt.Errorf("pipeline: unknown strategy %q", strategy.Kind))
	}
}

func (c *Coordinator) waitUntilComplete(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = defaultNodeStartupTimeout
	}
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		if c.discovery.IsComplete(c.totalShards) {
			return nil
		}
		if time.Now().After(deadline) {
			return newSubmitError(ErrPipelineIncomplete, fmt.Errorf("pipeline: still incomplete after %s Wait", d))
		}
		select {
		case <-ctx.Done():
			return newSubmitError(ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

// dynamicLoad sends LOAD_SHARD to the best shard_loaded=false candidate for
// every missing slot, then waits for each to re-announce as loaded.
func (c *Coordinator) dynamicLoad(ctx context.Context) error {
	missing := c.missingSlots()
	if len(missing) == 0 {
		return nil
	}

	for _, shardIdx := range missing {
		candidate := c.bestUnloadedCandidate(shardIdx)
		if candidate == nil {
			return newSubmitError(ErrPipelineIncomplete, fmt.Errorf("pipeline: no shard_loaded=false candidate for shard %d", shardIdx))
		}
		peerID, err := parsePeerID(candidate.NodeID)
		if err != nil {
			return newSubmitError(ErrInternal, err)
		}
		if _, err := c.engine.Send(ctx, peerID, loadShardCommand, loadShardParams(shardIdx), c.stageTimeout); err != nil {
			return newSubmitError(ErrNodeUnreachable, fmt.Errorf("pipeline: LOAD_SHARD to %s: %w", candidate.NodeID, err))
		}
	}

	return c.waitUntilComplete(ctx, defaultNodeStartupTimeout)
}

// spawnMissing locally spawns a process per missing shard slot via the
// configured SpawnFunc, then waits for each to appear loaded.
func (c *Coordinator) spawnMissing(ctx context.Context) error {
	if c.spawn == nil {
		return newSubmitError(ErrPipelineIncomplete, fmt.Errorf("pipeline: SpawnNodes requested but no SpawnFunc configured"))
	}
	missing := c.missingSlots()
	if len(missing) == 0 {
		return nil
	}
	for _, shardIdx := range missing {
		spawnCtx, cancel := context.WithTimeout(ctx, defaultNodeStartupTimeout)
		err := c.spawn(spawnCtx, shardIdx)
		cancel()
		if err != nil {
			return newSubmitError(ErrPipelineIncomplete, fmt.Errorf("pipeline: spawn shard %d: %w", shardIdx, err))
		}
	}
	return c.waitUntilComplete(ctx, defaultNodeStartupTimeout)
}

// singleNodeFallback reports whether any single currently-known node
// advertises enough free memory to plausibly host every shard of the
// model by itself — Adaptive's last resort when no per-shard assembly
// succeeded. This is a capacity heuristic (disk/memory headroom), not a
// guarantee the node actually has the weights; c.singleNodeMemBytes, when
// configured, is the model's approximate full resident size.
func (c *Coordinator) singleNodeFallback() bool {
	if c.singleNodeMemBytes == 0 {
		return false
	}
	for shardIdx := uint32(0); shardIdx < c.totalShards; shardIdx++ {
		for _, ann := range c.discovery.UnloadedCandidates(shardIdx) {
			if ann.Capabilities.MemAvailBytes >= c.singleNodeMemBytes {
				return true
			}
		}
	}
	return false
}

func (c *Coordinator) missingSlots() []uint32 {
	var missing []uint32
	for i, slot := range c.discovery.Pipeline(c.totalShards) {
		if slot == nil {
			missing = append(missing, uint32(i))
		}
	}
	return missing
}

func (c *Coordinator) bestUnloadedCandidate(shardIdx uint32) *discovery.ShardAnnouncement {
	return c.discovery.BestUnloaded(shardIdx)
}
