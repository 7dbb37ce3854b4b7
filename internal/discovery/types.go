// Package discovery implements shard discovery (S): a thin layer above
// internal/dht that maps ⟨cluster, shardIndex⟩ to the set of peers
// currently claiming to serve that shard, enforces record freshness, and
// ranks candidates by a weighted capability score for the pipeline
// coordinator to pick from.
package discovery

import "time"

// NodeCapabilities is the instantaneous capacity/quality snapshot attached
// to every ShardAnnouncement. Callers are expected to cache a sample for at
// most 5 s before resampling.
type NodeCapabilities struct {
	CPUCores      int     `json:"cpu_cores"`
	CPUUsage      float64 `json:"cpu_usage"`       // 0..1
	CPUSpeedMHz   float64 `json:"cpu_speed_mhz"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	MemAvailBytes uint64  `json:"mem_avail_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskAvailBytes uint64 `json:"disk_avail_bytes"`
	GPUPresent    bool    `json:"gpu_present"`
	GPUMemBytes   uint64  `json:"gpu_mem_bytes"`
	GPUComputeUnits int   `json:"gpu_compute_units"`
	LatencyMs     float64 `json:"latency_ms"`
	Reputation    float64 `json:"reputation"` // 0..1
}

// ShardAnnouncement is "node X currently serves shard S of cluster C",
// the record type S publishes to and reads from D.
type ShardAnnouncement struct {
	Cluster      string           `json:"cluster"`
	ShardIndex   uint32           `json:"shard_index"`
	TotalShards  uint32           `json:"total_shards"`
	TotalLayers  uint32           `json:"total_layers"`
	LayerStart   uint32           `json:"layer_start"`
	LayerEnd     uint32           `json:"layer_end"`
	NodeID       string           `json:"node_id"`
	Addrs        []string         `json:"addrs"`
	Capabilities NodeCapabilities `json:"capabilities"`
	ShardLoaded  bool             `json:"shard_loaded"`
	Timestamp    time.Time        `json:"timestamp"`
}

// LayerRange returns the [start, end) contiguous layer range shard index s
// owns when the model's L layers are split N ways.
func LayerRange(totalLayers, totalShards, shardIndex uint32) (start, end uint32) {
	if totalShards == 0 {
		return 0, 0
	}
	start = shardIndex * totalLayers / totalShards
	end = (shardIndex + 1) * totalLayers / totalShards
	return start, end
}
