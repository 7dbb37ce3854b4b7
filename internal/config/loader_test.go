package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
)

// Minimal valid YAML for a shardnode config, used across loading tests.
const testNodeConfigYAML = `
identity:
  key_file: "identity.key"
network:
  listen_addresses:
    - "/ip4/0.0.0.0/udp/0/quic-v1"
  transport: "quic"
  bootstrap_addr:
    - "/ip4/203.0.113.10/udp/4242/quic-v1/p2p/12D3KooWRzaGMTqQbRHNMZkAYj8ALUXoK99qSjhiFLanDoVWK9An"
cluster: "llama70b-prod"
shard:
  shard_id: 2
  total_shards: 8
  total_layers: 80
  model_name: "llama70b"
  shards_dir: "/var/lib/swarm/shards"
`

func writeTestConfig(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadNodeConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "shardnode.yaml", testNodeConfigYAML)

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig() error = %v", err)
	}
	if cfg.Cluster != "llama70b-prod" {
		t.Errorf("Cluster = %q, want llama70b-prod", cfg.Cluster)
	}
	if cfg.Shard.ShardID != 2 || cfg.Shard.TotalShards != 8 {
		t.Errorf("Shard = %+v, want shard_id=2 total_shards=8", cfg.Shard)
	}
	if cfg.Timing.DHTQueryTimeout != defaultDHTQueryTimeout {
		t.Errorf("DHTQueryTimeout default not applied: got %v", cfg.Timing.DHTQueryTimeout)
	}
	if cfg.Weights.Sum() == 0 {
		t.Errorf("Weights default not applied")
	}
}

func TestLoadNodeConfig_MissingFile(t *testing.T) {
	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadNodeConfig_VersionTooNew(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "shardnode.yaml", "version: 999\n"+testNodeConfigYAML)

	_, err := LoadNodeConfig(path)
	if !errors.Is(err, ErrConfigVersionTooNew) {
		t.Errorf("expected ErrConfigVersionTooNew, got %v", err)
	}
}

func TestLoadNodeConfig_RejectsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shardnode.yaml")
	if err := os.WriteFile(path, []byte(testNodeConfigYAML), 0644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	_, err := LoadNodeConfig(path)
	if err == nil {
		t.Fatal("expected error for world-readable config file")
	}
}

func validNodeConfig() *NodeConfig {
	return &NodeConfig{
		Identity: IdentityConfig{KeyFile: "identity.key"},
		Network:  NetworkConfig{ListenAddresses: []string{"/ip4/0.0.0.0/udp/0/quic-v1"}, Transport: "quic"},
		Cluster:  "llama70b-prod",
		Shard: ShardConfig{
			ShardID:     2,
			TotalShards: 8,
			TotalLayers: 80,
			ModelName:   "llama70b",
			ShardsDir:   "/var/lib/swarm/shards",
		},
		Weights: discovery.DefaultWeights,
	}
}

func TestValidateNodeConfig(t *testing.T) {
	cfg := validNodeConfig()
	if err := ValidateNodeConfig(cfg); err != nil {
		t.Errorf("ValidateNodeConfig() error = %v, want nil", err)
	}
}

func TestValidateNodeConfig_ShardIDOutOfRange(t *testing.T) {
	cfg := validNodeConfig()
	cfg.Shard.ShardID = 8
	if err := ValidateNodeConfig(cfg); err == nil {
		t.Error("expected error for shard_id >= total_shards")
	}
}

func TestValidateNodeConfig_BadCluster(t *testing.T) {
	cfg := validNodeConfig()
	cfg.Cluster = "Not A Valid Name!"
	if err := ValidateNodeConfig(cfg); err == nil {
		t.Error("expected error for invalid cluster name")
	}
}

func TestValidateNodeConfig_BadTransport(t *testing.T) {
	cfg := validNodeConfig()
	cfg.Network.Transport = "carrier-pigeon"
	if err := ValidateNodeConfig(cfg); err == nil {
		t.Error("expected error for invalid transport")
	}
}

func TestValidateNodeConfig_BadWeights(t *testing.T) {
	cfg := validNodeConfig()
	cfg.Weights = discovery.Weights{CPU: 10, Mem: 0, GPU: 0, Latency: 0, Reputation: 0}
	if err := ValidateNodeConfig(cfg); err == nil {
		t.Error("expected error for weights not summing to 1")
	}
}

func TestLoadCoordinatorConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
identity:
  key_file: "identity.key"
network:
  listen_addresses:
    - "/ip4/0.0.0.0/udp/0/quic-v1"
cluster: "llama70b-prod"
model_name: "llama70b"
total_shards: 8
total_layers: 80
`
	path := writeTestConfig(t, dir, "coordinator.yaml", yaml)

	cfg, err := LoadCoordinatorConfig(path)
	if err != nil {
		t.Fatalf("LoadCoordinatorConfig() error = %v", err)
	}
	if cfg.HTTPListenAddress != defaultHTTPListenAddress {
		t.Errorf("HTTPListenAddress default not applied: got %q", cfg.HTTPListenAddress)
	}
	if cfg.Pipeline.StageTimeout != defaultStageTimeout {
		t.Errorf("StageTimeout default not applied: got %v", cfg.Pipeline.StageTimeout)
	}
	if cfg.Pipeline.Strategy.Kind != "FailFast" {
		t.Errorf("Strategy.Kind default not applied: got %q", cfg.Pipeline.Strategy.Kind)
	}
}

func TestValidateCoordinatorConfig_BadStrategy(t *testing.T) {
	cfg := &CoordinatorConfig{
		Identity:    IdentityConfig{KeyFile: "k"},
		Cluster:     "llama70b-prod",
		ModelName:   "llama70b",
		TotalShards: 8,
		Weights:     discovery.DefaultWeights,
		Pipeline:    PipelineConfig{Strategy: StrategyConfig{Kind: "Magic"}},
	}
	if err := ValidateCoordinatorConfig(cfg); err == nil {
		t.Error("expected error for invalid strategy kind")
	}
}

func TestLoadRendezvousConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
identity:
  key_file: "identity.key"
network:
  listen_addresses:
    - "/ip4/0.0.0.0/udp/0/quic-v1"
clusters:
  - name: "llama70b-prod"
    manifest_file: "llama70b-prod.manifest.yaml"
`
	path := writeTestConfig(t, dir, "rendezvous.yaml", yaml)

	cfg, err := LoadRendezvousConfig(path)
	if err != nil {
		t.Fatalf("LoadRendezvousConfig() error = %v", err)
	}
	if len(cfg.Clusters) != 1 || cfg.Clusters[0].Name != "llama70b-prod" {
		t.Errorf("Clusters = %+v, want one entry named llama70b-prod", cfg.Clusters)
	}
}

func TestValidateRendezvousConfig_NoClusters(t *testing.T) {
	cfg := &RendezvousConfig{Identity: IdentityConfig{KeyFile: "k"}}
	if err := ValidateRendezvousConfig(cfg); err == nil {
		t.Error("expected error for empty clusters list")
	}
}

func TestParseDataSize(t *testing.T) {
	tests := map[string]int64{
		"128B": 128,
		"64KB": 64 * 1024,
		"4MB":  4 * 1024 * 1024,
		"1GB":  1024 * 1024 * 1024,
		"0B":   0,
	}
	for s, want := range tests {
		got, err := ParseDataSize(s)
		if err != nil {
			t.Errorf("ParseDataSize(%q) error = %v", s, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDataSize(%q) = %d, want %d", s, got, want)
		}
	}
}

func TestParseDataSize_Invalid(t *testing.T) {
	if _, err := ParseDataSize("not-a-size"); err == nil {
		t.Error("expected error for unparseable data size")
	}
}

func TestFindConfigFile_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "shardnode.yaml", testNodeConfigYAML)

	found, err := FindConfigFile(path, "shardnode.yaml")
	if err != nil {
		t.Fatalf("FindConfigFile() error = %v", err)
	}
	if found != path {
		t.Errorf("FindConfigFile() = %q, want %q", found, path)
	}
}

func TestFindConfigFile_NotFound(t *testing.T) {
	_, err := FindConfigFile(filepath.Join(t.TempDir(), "nope.yaml"), "shardnode.yaml")
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestArchiveAndRollback(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "shardnode.yaml", testNodeConfigYAML)

	if HasArchive(path) {
		t.Fatal("expected no archive before first Archive() call")
	}
	if err := Archive(path); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !HasArchive(path) {
		t.Fatal("expected archive to exist after Archive() call")
	}

	if err := os.WriteFile(path, []byte("cluster: broken"), 0600); err != nil {
		t.Fatalf("write corrupted config: %v", err)
	}
	if err := Rollback(path); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read restored config: %v", err)
	}
	if string(restored) != testNodeConfigYAML {
		t.Errorf("restored config does not match archived content")
	}
}

func TestRollback_NoArchive(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "shardnode.yaml", testNodeConfigYAML)

	err := Rollback(path)
	if !errors.Is(err, ErrNoArchive) {
		t.Errorf("expected ErrNoArchive, got %v", err)
	}
}
