package config

import (
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// IdentityConfig holds identity-related configuration, shared by every
// binary that owns a libp2p host.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds transport-layer configuration shared by every binary.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
	// Transport selects the dial substrate preference: quic, tcp, or dual.
	Transport string `yaml:"transport,omitempty"`
	// BootstrapAddr is one or more seed peer multiaddrs used to fill the
	// routing table at startup. Empty on the rendezvous node itself.
	BootstrapAddr []string `yaml:"bootstrap_addr,omitempty"`
}

// TimingConfig holds the swarm's tunable intervals and deadlines, all with
// spec-mandated defaults filled in by the loader when left zero.
type TimingConfig struct {
	DHTQueryTimeout  time.Duration `yaml:"dht_query_timeout,omitempty"`  // default 120s
	AnnounceInterval time.Duration `yaml:"announce_interval,omitempty"` // default 30s
	PingInterval     time.Duration `yaml:"ping_interval,omitempty"`     // default 25s
	IdleTimeout      time.Duration `yaml:"idle_timeout,omitempty"`      // default 90s
	FreshnessWindow  time.Duration `yaml:"freshness_window,omitempty"`  // default 300s
}

// ShardConfig describes the local shard a shardnode hosts and where it
// keeps the shard file on disk.
type ShardConfig struct {
	ShardID      uint32 `yaml:"shard_id"`
	TotalShards  uint32 `yaml:"total_shards"`
	TotalLayers  uint32 `yaml:"total_layers"`
	ModelName    string `yaml:"model_name"`
	ShardsDir    string `yaml:"shards_dir"`
	ParityShards int    `yaml:"parity_shards,omitempty"`
}

// SecurityConfig holds node-admission configuration.
type SecurityConfig struct {
	TrustedPeersFile string `yaml:"trusted_peers_file,omitempty"`
}

// TelemetryConfig holds observability settings. Disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// StrategyConfig configures how a pipeline coordinator handles an
// incomplete pipeline (spec §4.4's five named strategies).
type StrategyConfig struct {
	// Kind is one of FailFast, Wait, DynamicLoad, SpawnNodes, Adaptive.
	Kind    string        `yaml:"kind"`
	WaitFor time.Duration `yaml:"wait_for,omitempty"` // only meaningful for Wait/Adaptive
}

// PipelineConfig holds the coordinator's per-stage tuning knobs.
type PipelineConfig struct {
	StageTimeout       time.Duration `yaml:"stage_timeout,omitempty"`        // default 30s
	StageRetries       int           `yaml:"stage_retries,omitempty"`        // default 2
	NodeStartupTimeout time.Duration `yaml:"node_startup_timeout,omitempty"` // default 30s
	SingleNodeMemBytes uint64        `yaml:"single_node_mem_bytes,omitempty"`
	Strategy           StrategyConfig `yaml:"strategy"`
}

// NodeConfig is the configuration for a shard-hosting node (cmd/shardnode):
// it joins one cluster, serves one shard, and answers the closed command
// set against its local shardstore.
type NodeConfig struct {
	Version   int                      `yaml:"version,omitempty"`
	Identity  IdentityConfig           `yaml:"identity"`
	Network   NetworkConfig            `yaml:"network"`
	Cluster   string                   `yaml:"cluster"`
	Shard     ShardConfig              `yaml:"shard"`
	Timing    TimingConfig             `yaml:"timing,omitempty"`
	Security  SecurityConfig           `yaml:"security,omitempty"`
	Telemetry TelemetryConfig          `yaml:"telemetry,omitempty"`
	Weights   discovery.Weights        `yaml:"node_score_weights,omitempty"`
}

// CoordinatorConfig is the configuration for an inference coordinator
// (cmd/coordinator): it joins one cluster as a non-shard-hosting
// participant, assembles pipelines over S, and exposes the HTTP ingress.
type CoordinatorConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Cluster   string          `yaml:"cluster"`
	ModelName string          `yaml:"model_name"`
	TotalShards uint32        `yaml:"total_shards"`
	TotalLayers uint32        `yaml:"total_layers"`
	Timing    TimingConfig    `yaml:"timing,omitempty"`
	Pipeline  PipelineConfig  `yaml:"pipeline,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Weights   discovery.Weights `yaml:"node_score_weights,omitempty"`
	// HTTPListenAddress is where POST /v1/infer is served.
	HTTPListenAddress string `yaml:"http_listen_address,omitempty"` // default 127.0.0.1:8080
}

// RendezvousConfig is the configuration for the well-known bootstrap node
// (cmd/rendezvous): it never joins a cluster's pipeline, it only
// participates in D and optionally publishes each configured cluster's
// manifest at startup.
type RendezvousConfig struct {
	Version  int            `yaml:"version,omitempty"`
	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	// Clusters lists every cluster this rendezvous node participates in
	// D for, each with an optional local manifest file to publish.
	Clusters  []RendezvousCluster `yaml:"clusters"`
	Telemetry TelemetryConfig     `yaml:"telemetry,omitempty"`
}

// RendezvousCluster names one cluster namespace and, optionally, the
// manifest file to publish for it at bootstrap.
type RendezvousCluster struct {
	Name         string `yaml:"name"`
	ManifestFile string `yaml:"manifest_file,omitempty"`
}
