package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	maxRequestIDLen = 128
	maxModelNameLen = 256
	maxInputData    = 64 * 1024
	clockSkew       = 5 * time.Minute
)

// ValidateCommand runs every Command through strict structural validation,
// then per-command param validation. Any violation is a "validation: ..."
// error — never a panic — matching the wire contract that validation
// failures become CommandResponse{status=error}, never a crash.
func ValidateCommand(cmd Command, totalShards uint32) error {
	if !closedSet[cmd.Command] {
		return fmt.Errorf("validation: unknown command %q", cmd.Command)
	}
	if cmd.RequestID == "" || len(cmd.RequestID) > maxRequestIDLen {
		return fmt.Errorf("validation: request_id must be 1-%d characters", maxRequestIDLen)
	}
	if _, err := peer.Decode(cmd.From); err != nil {
		return fmt.Errorf("validation: from is not a parseable peer id: %w", err)
	}
	now := time.Now()
	ts := time.Unix(cmd.Timestamp, 0)
	if ts.Before(now.Add(-clockSkew)) || ts.After(now.Add(clockSkew)) {
		return fmt.Errorf("validation: timestamp %s outside ±%s of wall clock", ts, clockSkew)
	}

	switch cmd.Command {
	case ExecuteTask:
		return validateExecuteTask(cmd.Params, totalShards)
	case LoadShard:
		return validateLoadShard(cmd.Params, totalShards)
	default:
		return nil
	}
}

func validateExecuteTask(raw json.RawMessage, totalShards uint32) error {
	var p ExecuteTaskParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("validation: malformed EXECUTE_TASK params: %w", err)
	}
	if p.ModelName == "" || len(p.ModelName) > maxModelNameLen {
		return fmt.Errorf("validation: model_name must be 1-%d characters", maxModelNameLen)
	}
	if len(p.InputData) > maxInputData {
		return fmt.Errorf("validation: input_data exceeds %d bytes", maxInputData)
	}
	if p.MaxTokens < 1 || p.MaxTokens > 4096 {
		return fmt.Errorf("validation: max_tokens must be in [1, 4096], got %d", p.MaxTokens)
	}
	if p.Temperature < 0.0 || p.Temperature > 2.0 {
		return fmt.Errorf("validation: temperature must be in [0.0, 2.0], got %v", p.Temperature)
	}
	if p.TopP < 0.0 || p.TopP > 1.0 {
		return fmt.Errorf("validation: top_p must be in [0.0, 1.0], got %v", p.TopP)
	}
	if p.ShardID >= totalShards {
		return fmt.Errorf("validation: shard_id %d >= total_shards %d", p.ShardID, totalShards)
	}
	return nil
}

func validateLoadShard(raw json.RawMessage, totalShards uint32) error {
	var p LoadShardParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("validation: malformed LOAD_SHARD params: %w", err)
	}
	if p.ShardID >= totalShards {
		return fmt.Errorf("validation: shard_id %d >= total_shards %d", p.ShardID, totalShards)
	}
	return nil
}
