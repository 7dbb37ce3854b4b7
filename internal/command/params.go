package command

import "github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"

// LoadShardParams is LOAD_SHARD's params object.
type LoadShardParams struct {
	ShardID uint32 `json:"shard_id"`
}

// LoadShardResult is LOAD_SHARD's success result.
type LoadShardResult struct {
	ShardID uint32 `json:"shard_id"`
	Status  string `json:"status"`
	Path    string `json:"path"`
}

// ExecuteTaskParams is EXECUTE_TASK's params object. InputData carries
// either the initial prompt (shard 0) or the previous stage's hidden-state
// bytes (shard > 0); encoding/json base64-encodes a []byte field
// automatically, so the wire form is a JSON string either way.
type ExecuteTaskParams struct {
	TaskType    string  `json:"task_type"`
	ModelName   string  `json:"model_name"`
	InputData   []byte  `json:"input_data"`
	ShardID     uint32  `json:"shard_id"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// ExecuteTaskResult is EXECUTE_TASK's success result. Exactly one of
// OutputHiddenState (intermediate shards) or GeneratedTokens (final shard)
// is populated; the pipeline coordinator enforces which.
type ExecuteTaskResult struct {
	OutputHiddenState []byte `json:"output_hidden_state,omitempty"`
	GeneratedTokens   []int  `json:"generated_tokens,omitempty"`
	DecodedText       string `json:"decoded_text,omitempty"`
	Model             string `json:"model"`
	TokensUsed        int    `json:"tokens_used"`
	LatencyMs         float64 `json:"latency_ms"`
}

// FileSummary is one entry of LIST_FILES's result.
type FileSummary struct {
	InfoHash string `json:"info_hash"`
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
}

// ListFilesResult is LIST_FILES's success result.
type ListFilesResult struct {
	Files []FileSummary `json:"files"`
}

// GetCapabilitiesResult is GET_CAPABILITIES's success result.
type GetCapabilitiesResult struct {
	Capabilities discovery.NodeCapabilities `json:"capabilities"`
}

// ShardStatus is one entry of GET_STATUS's discovered shard vector.
type ShardStatus struct {
	ShardIndex uint32 `json:"shard_index"`
	Loaded     bool   `json:"loaded"`
}

// GetStatusResult is GET_STATUS's success result.
type GetStatusResult struct {
	SwarmReady bool          `json:"swarm_ready"`
	Shards     []ShardStatus `json:"shards"`
}

// SyncTorrentsResult is SYNC_TORRENTS's success result.
type SyncTorrentsResult struct {
	Added []string `json:"added"`
}
