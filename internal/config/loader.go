package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/validate"
)

// Spec-mandated defaults (spec.md §6), filled in wherever a loaded config
// leaves the corresponding duration/count at its zero value.
const (
	defaultDHTQueryTimeout  = 120 * time.Second
	defaultAnnounceInterval = 30 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultIdleTimeout      = 90 * time.Second
	defaultFreshnessWindow  = 300 * time.Second

	defaultStageTimeout       = 30 * time.Second
	defaultStageRetries       = 2
	defaultNodeStartupTimeout = 30 * time.Second

	defaultHTTPListenAddress = "127.0.0.1:8080"
	defaultMetricsAddress    = "127.0.0.1:9091"
)

// checkConfigFilePermissions warns if a config file has overly permissive
// permissions (group/world readable). Config files carry identity key
// paths and cluster topology. Returns an error on multi-user systems
// where the file is world-readable.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

func applyTimingDefaults(t *TimingConfig) {
	if t.DHTQueryTimeout <= 0 {
		t.DHTQueryTimeout = defaultDHTQueryTimeout
	}
	if t.AnnounceInterval <= 0 {
		t.AnnounceInterval = defaultAnnounceInterval
	}
	if t.PingInterval <= 0 {
		t.PingInterval = defaultPingInterval
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = defaultIdleTimeout
	}
	if t.FreshnessWindow <= 0 {
		t.FreshnessWindow = defaultFreshnessWindow
	}
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.StageTimeout <= 0 {
		p.StageTimeout = defaultStageTimeout
	}
	if p.StageRetries <= 0 {
		p.StageRetries = defaultStageRetries
	}
	if p.NodeStartupTimeout <= 0 {
		p.NodeStartupTimeout = defaultNodeStartupTimeout
	}
	if p.Strategy.Kind == "" {
		p.Strategy.Kind = "FailFast"
	}
}

func applyWeightDefaults(w *discovery.Weights) {
	if w.Sum() == 0 {
		*w = discovery.DefaultWeights
	}
}

// LoadNodeConfig loads a shard-hosting node's configuration from a YAML
// file, filling in spec-default timings and weights.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyTimingDefaults(&cfg.Timing)
	applyWeightDefaults(&cfg.Weights)
	return &cfg, nil
}

// ValidateNodeConfig validates a shard-hosting node's configuration,
// enforcing spec.md §6's required fields and cross-field invariants.
func ValidateNodeConfig(cfg *NodeConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if err := validate.NetworkName(cfg.Cluster); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if err := validate.ServiceName(cfg.Shard.ModelName); err != nil {
		return fmt.Errorf("shard.model_name: %w", err)
	}
	if cfg.Shard.TotalShards == 0 {
		return fmt.Errorf("shard.total_shards must be > 0")
	}
	if cfg.Shard.ShardID >= cfg.Shard.TotalShards {
		return fmt.Errorf("shard.shard_id %d must be < total_shards %d", cfg.Shard.ShardID, cfg.Shard.TotalShards)
	}
	if cfg.Shard.ShardsDir == "" {
		return fmt.Errorf("shard.shards_dir is required")
	}
	if err := validateTransport(cfg.Network.Transport); err != nil {
		return err
	}
	if err := validate.ScoreWeights(cfg.Weights); err != nil {
		return fmt.Errorf("node_score_weights: %w", err)
	}
	return nil
}

// LoadCoordinatorConfig loads a pipeline coordinator's configuration from a
// YAML file, filling in spec-default timings, pipeline tuning, and weights.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyTimingDefaults(&cfg.Timing)
	applyPipelineDefaults(&cfg.Pipeline)
	applyWeightDefaults(&cfg.Weights)
	if cfg.HTTPListenAddress == "" {
		cfg.HTTPListenAddress = defaultHTTPListenAddress
	}
	return &cfg, nil
}

// ValidateCoordinatorConfig validates a coordinator's configuration.
func ValidateCoordinatorConfig(cfg *CoordinatorConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if err := validate.NetworkName(cfg.Cluster); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if err := validate.ServiceName(cfg.ModelName); err != nil {
		return fmt.Errorf("model_name: %w", err)
	}
	if cfg.TotalShards == 0 {
		return fmt.Errorf("total_shards must be > 0")
	}
	if err := validateTransport(cfg.Network.Transport); err != nil {
		return err
	}
	if err := validateStrategyKind(cfg.Pipeline.Strategy.Kind); err != nil {
		return err
	}
	if err := validate.ScoreWeights(cfg.Weights); err != nil {
		return fmt.Errorf("node_score_weights: %w", err)
	}
	return nil
}

// LoadRendezvousConfig loads the well-known bootstrap node's configuration.
func LoadRendezvousConfig(path string) (*RendezvousConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg RendezvousConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}
	return &cfg, nil
}

// ValidateRendezvousConfig validates a rendezvous node's configuration.
func ValidateRendezvousConfig(cfg *RendezvousConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Clusters) == 0 {
		return fmt.Errorf("clusters must list at least one cluster")
	}
	for _, c := range cfg.Clusters {
		if err := validate.NetworkName(c.Name); err != nil {
			return fmt.Errorf("clusters: %w", err)
		}
	}
	return nil
}

func validateTransport(t string) error {
	switch t {
	case "", "quic", "tcp", "dual":
		return nil
	default:
		return fmt.Errorf("network.transport %q must be one of quic, tcp, dual", t)
	}
}

func validateStrategyKind(k string) error {
	switch k {
	case "FailFast", "Wait", "DynamicLoad", "SpawnNodes", "Adaptive":
		return nil
	default:
		return fmt.Errorf("pipeline.strategy.kind %q must be one of FailFast, Wait, DynamicLoad, SpawnNodes, Adaptive", k)
	}
}

// FindConfigFile searches for a named config file in standard locations.
// Search order: explicitPath (if given), ./<name>, ~/.config/swarm/<name>,
// /etc/swarm/<name>.
func FindConfigFile(explicitPath, name string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{name}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "swarm", name))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "swarm", name))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths resolves a relative identity key file path to be
// relative to the config file's directory, so configs under
// ~/.config/swarm/ can reference key files with relative paths.
func ResolveConfigPaths(keyFile, configDir string) string {
	if keyFile != "" && !filepath.IsAbs(keyFile) {
		return filepath.Join(configDir, keyFile)
	}
	return keyFile
}

// DefaultConfigDir returns the default swarm config directory
// (~/.config/swarm).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "swarm"), nil
}

// ParseDataSize parses a human-readable data size string (e.g., "128KB",
// "64MB", "1GB") and returns the value in bytes. Supported suffixes: B, KB,
// MB, GB (case-insensitive).
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty data size")
	}

	s = strings.ToUpper(s)
	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	numStr = strings.TrimSpace(numStr)
	var val int64
	if _, err := fmt.Sscanf(numStr, "%d", &val); err != nil {
		return 0, fmt.Errorf("invalid data size %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("data size must be non-negative: %s", s)
	}
	return val * multiplier, nil
}
