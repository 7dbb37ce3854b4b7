package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
)

const (
	defaultFreshness        = 5 * time.Minute
	defaultAnnounceInterval = 30 * time.Second
	defaultQueryInterval    = 2 * time.Second
	defaultProviderFanout   = 20
)

// Config configures a Discovery instance for one cluster.
type Config struct {
	DHT              *dht.DHT
	Cluster          string
	SelfID           string
	Freshness        time.Duration // record freshness window W, default 5 min
	AnnounceInterval time.Duration // default 30 s
	QueryInterval    time.Duration // default 2 s
	ProviderFanout   int           // providers requested per FindProviders call, default 20
	Weights          Weights       // node-score coefficients, default DefaultWeights
}

// Discovery is S: the shard-discovery layer built on top of D. It maintains
// known_shards, the per-cluster map of shard index to every fresh
// announcement observed for it, merged from every publisher that currently
// claims to serve that shard.
type Discovery struct {
	d       *dht.DHT
	cluster string
	selfID  string

	freshness        time.Duration
	announceInterval time.Duration
	queryInterval    time.Duration
	fanout           int
	weights          Weights

	mu          sync.RWMutex
	knownShards map[uint32]map[string]ShardAnnouncement // shardIndex -> nodeID -> latest announcement
}

// New constructs a Discovery instance with defaults filled in.
func New(cfg Config) *Discovery {
	freshness := cfg.Freshness
	if freshness <= 0 {
		freshness = defaultFreshness
	}
	announce := cfg.AnnounceInterval
	if announce <= 0 {
		announce = defaultAnnounceInterval
	}
	query := cfg.QueryInterval
	if query <= 0 {
		query = defaultQueryInterval
	}
	fanout := cfg.ProviderFanout
	if fanout <= 0 {
		fanout = defaultProviderFanout
	}
	weights := cfg.Weights
	if weights.Sum() == 0 {
		weights = DefaultWeights
	}
	return &Discovery{
		d:                cfg.DHT,
		cluster:          cfg.Cluster,
		selfID:           cfg.SelfID,
		freshness:        freshness,
		announceInterval: announce,
		queryInterval:    query,
		fanout:           fanout,
		weights:          weights,
		knownShards:      make(map[uint32]map[string]ShardAnnouncement),
	}
}

// Announce builds and publishes this node's own ShardAnnouncement: a scalar
// put under its own node-announcement key (single-writer, so always wins
// Select) plus a provider-record Provide so S.query can discover it without
// already knowing its node id. A QuorumFailed Put result is logged and
// retried on the next tick; it is never treated as an announce failure, per
// the design note that small clusters routinely see partial replication.
func (s *Discovery) Announce(ctx context.Context, ann ShardAnnouncement, requiredReplicas int) error {
	ann.Cluster = s.cluster
	ann.NodeID = s.selfID
	ann.Timestamp = time.Now()

	payload, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("discovery: marshal announcement: %w", err)
	}

	key := dht.NodeAnnouncementKey(s.cluster, s.selfID)
	result, err := s.d.Put(ctx, key, payload, requiredReplicas)
	if err != nil {
		return fmt.Errorf("discovery: announce: %w", err)
	}
	if !result.Ok {
		slog.Warn("discovery: announce quorum not met, will retry",
			"cluster", s.cluster, "shard_index", ann.ShardIndex,
			"confirmed", result.ConfirmedReplicas, "required", result.RequiredReplicas)
	}

	providerKey := dht.ShardProviderKey(s.cluster, ann.ShardIndex)
	if err := s.d.Provide(ctx, providerKey); err != nil {
		slog.Warn("discovery: provide failed, will retry", "cluster", s.cluster, "shard_index", ann.ShardIndex, "err", err)
	}
	return nil
}

// RunAnnounceLoop re-announces every announceInterval until ctx is done.
// capsFn and loadedFn are sampled fresh on every tick so they can reflect a
// node's current utilization and load state (per NodeCapabilities' ≤5 s
// cache rule, callers should keep their own sampling cache behind these).
func (s *Discovery) RunAnnounceLoop(ctx context.Context, shardIndex, totalShards, totalLayers uint32, addrs []string, capsFn func() NodeCapabilities, loadedFn func() bool, requiredReplicas int) {
	layerStart, layerEnd := LayerRange(totalLayers, totalShards, shardIndex)
	tick := func() {
		ann := ShardAnnouncement{
			ShardIndex:  shardIndex,
			TotalShards: totalShards,
			TotalLayers: totalLayers,
			LayerStart:  layerStart,
			LayerEnd:    layerEnd,
			Addrs:       addrs,
			ShardLoaded: loadedFn(),
		}
		if capsFn != nil {
			ann.Capabilities = capsFn()
		}
		if err := s.Announce(ctx, ann, requiredReplicas); err != nil {
			slog.Warn("discovery: announce error", "err", err)
		}
	}
	tick()
	ticker := time.NewTicker(s.announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Query finds the current providers of shardIndex and ingests each one's
// own announcement record, merging observations from however many distinct
// publishers the provider-record search surfaces.
func (s *Discovery) Query(ctx context.Context, shardIndex uint32) error {
	providerKey := dht.ShardProviderKey(s.cluster, shardIndex)
	providers, err := s.d.FindProviders(ctx, providerKey, s.fanout)
	if err != nil {
		return fmt.Errorf("discovery: find providers: %w", err)
	}
	for _, p := range providers {
		key := dht.NodeAnnouncementKey(s.cluster, p.ID.String())
		rec, err := s.d.Get(ctx, key, s.freshness)
		if err != nil {
			continue // stale or unreachable; simply absent from this round
		}
		var ann ShardAnnouncement
		if err := json.Unmarshal(rec.Payload, &ann); err != nil {
			continue
		}
		s.Ingest(ann)
	}
	return nil
}

// RunQueryLoop polls every shard index every queryInterval until ctx is
// done, in addition to whatever immediate queries the caller triggers when
// a new peer joins.
func (s *Discovery) RunQueryLoop(ctx context.Context, totalShards uint32) {
	ticker := time.NewTicker(s.queryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := uint32(0); i < totalShards; i++ {
				if err := s.Query(ctx, i); err != nil {
					slog.Warn("discovery: query error", "shard_index", i, "err", err)
				}
			}
		}
	}
}

// Ingest validates and upserts one announcement into known_shards, dropping
// it if it belongs to a different cluster or falls outside the freshness
// window. Records from the same publisher are deduplicated, keeping only
// the newest.
func (s *Discovery) Ingest(ann ShardAnnouncement) {
	if ann.Cluster != "" && ann.Cluster != s.cluster {
		return
	}
	if time.Since(ann.Timestamp) > s.freshness {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.knownShards[ann.ShardIndex]
	if !ok {
		byNode = make(map[string]ShardAnnouncement)
		s.knownShards[ann.ShardIndex] = byNode
	}
	if existing, ok := byNode[ann.NodeID]; ok && existing.Timestamp.After(ann.Timestamp) {
		return
	}
	byNode[ann.NodeID] = ann
}

// candidatesLocked returns the fresh, shard_loaded announcements currently
// known for shardIndex. Callers must hold s.mu.
func (s *Discovery) candidatesLocked(shardIndex uint32) []ShardAnnouncement {
	byNode := s.knownShards[shardIndex]
	candidates := make([]ShardAnnouncement, 0, len(byNode))
	for _, ann := range byNode {
		if !ann.ShardLoaded {
			continue
		}
		if time.Since(ann.Timestamp) > s.freshness {
			continue
		}
		candidates = append(candidates, ann)
	}
	return candidates
}

// UnloadedCandidates returns the fresh announcements for shardIndex whose
// publisher has NOT yet loaded the shard (shard_loaded=false) — the
// candidate pool DynamicLoad picks from when deciding who to send
// LOAD_SHARD, as distinct from candidatesLocked's shard_loaded=true pool
// used for actual pipeline assembly.
func (s *Discovery) UnloadedCandidates(shardIndex uint32) []ShardAnnouncement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNode := s.knownShards[shardIndex]
	candidates := make([]ShardAnnouncement, 0, len(byNode))
	for _, ann := range byNode {
		if ann.ShardLoaded {
			continue
		}
		if time.Since(ann.Timestamp) > s.freshness {
			continue
		}
		candidates = append(candidates, ann)
	}
	return candidates
}

// BestUnloaded picks the highest-scoring shard_loaded=false candidate for
// shardIndex, or nil if none is currently known.
func (s *Discovery) BestUnloaded(shardIndex uint32) *ShardAnnouncement {
	return best(s.UnloadedCandidates(shardIndex), s.weights)
}

// BestLoaded picks the highest-scoring shard_loaded=true candidate for
// shardIndex other than excludeNodeID — the re-selection step the
// pipeline coordinator takes after a peer exhausts its stage retries.
func (s *Discovery) BestLoaded(shardIndex uint32, excludeNodeID string) *ShardAnnouncement {
	s.mu.RLock()
	candidates := s.candidatesLocked(shardIndex)
	s.mu.RUnlock()

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if c.NodeID == excludeNodeID {
			continue
		}
		filtered = append(filtered, c)
	}
	return best(filtered, s.weights)
}

// Pipeline returns, for every shard 0..totalShards-1, the current best node
// serving it (by the weighted score in scoring.go), or nil if no fresh,
// loaded announcement exists for that slot.
func (s *Discovery) Pipeline(totalShards uint32) []*ShardAnnouncement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ShardAnnouncement, totalShards)
	for i := uint32(0); i < totalShards; i++ {
		out[i] = best(s.candidatesLocked(i), s.weights)
	}
	return out
}

// IsComplete reports whether every shard slot 0..totalShards-1 currently
// has at least one fresh, loaded announcement.
func (s *Discovery) IsComplete(totalShards uint32) bool {
	for _, slot := range s.Pipeline(totalShards) {
		if slot == nil {
			return false
		}
	}
	return true
}

// KnownCount reports how many distinct publishers are currently tracked
// for shardIndex, fresh or not — used by health checks and tests.
func (s *Discovery) KnownCount(shardIndex uint32) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.knownShards[shardIndex])
}
