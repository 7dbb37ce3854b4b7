// Package manifest resolves spec.md §9 Open Question 1: the shard_id →
// info_hash mapping a cluster's nodes need before any LOAD_SHARD can
// succeed. This repository distributes it as a manifest published by the
// rendezvous node at cluster bootstrap, fetched by every other node over
// D exactly like any other single-writer scalar record (see
// internal/dht's NodeAnnouncementKey/FileRecordKey precedent).
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
	"gopkg.in/yaml.v3"
)

// ShardEntry is one shard's content address and layer range within a
// cluster's manifest.
type ShardEntry struct {
	InfoHash   [32]byte `json:"info_hash" yaml:"info_hash"`
	LayerStart uint32   `json:"layer_start" yaml:"layer_start"`
	LayerEnd   uint32   `json:"layer_end" yaml:"layer_end"`
}

// Manifest is the full shard_id -> info_hash mapping for one cluster's
// model split, plus enough metadata for a joining node to validate it
// against its own config before trusting it.
type Manifest struct {
	Cluster     string               `json:"cluster" yaml:"cluster"`
	ModelName   string               `json:"model_name" yaml:"model_name"`
	TotalShards uint32               `json:"total_shards" yaml:"total_shards"`
	TotalLayers uint32               `json:"total_layers" yaml:"total_layers"`
	Shards      map[uint32]ShardEntry `json:"shards" yaml:"shards"`
}

// Validate checks internal consistency: every shard index in [0,
// TotalShards) has an entry, and no entry refers to an out-of-range index.
func (m Manifest) Validate() error {
	if m.TotalShards == 0 {
		return fmt.Errorf("manifest: total_shards must be > 0")
	}
	for idx := uint32(0); idx < m.TotalShards; idx++ {
		if _, ok := m.Shards[idx]; !ok {
			return fmt.Errorf("manifest: missing entry for shard_id %d", idx)
		}
	}
	for idx := range m.Shards {
		if idx >= m.TotalShards {
			return fmt.Errorf("manifest: entry for shard_id %d >= total_shards %d", idx, m.TotalShards)
		}
	}
	return nil
}

// ToShardMapping flattens the manifest into the shard_id -> info_hash form
// internal/shardstore.Store.SetManifest expects.
func (m Manifest) ToShardMapping() map[uint32][32]byte {
	out := make(map[uint32][32]byte, len(m.Shards))
	for idx, entry := range m.Shards {
		out[idx] = entry.InfoHash
	}
	return out
}

// Load reads a manifest from a local YAML file — how the rendezvous
// operator authors one before publishing it, mirroring the teacher's
// config-loader convention of YAML-in, validated-struct-out.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Publish writes m to the DHT under its cluster's ManifestKey, the
// rendezvous node's bootstrap-time action that resolves Open Question 1
// for every other node in the cluster.
func Publish(ctx context.Context, d *dht.DHT, m Manifest, requiredReplicas int) error {
	if err := m.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	key := dht.ManifestKey(m.Cluster)
	if _, err := d.Put(ctx, key, payload, requiredReplicas); err != nil {
		return fmt.Errorf("manifest: publish: %w", err)
	}
	return nil
}

// Fetch reads the cluster's manifest back from the DHT. freshness <= 0
// disables the staleness check (a manifest is expected to be long-lived
// once published, unlike a ShardAnnouncement).
func Fetch(ctx context.Context, d *dht.DHT, cluster string, freshness time.Duration) (Manifest, error) {
	key := dht.ManifestKey(cluster)
	rec, err := d.Get(ctx, key, freshness)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: fetch: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(rec.Payload, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: malformed record: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
