// Package pipeline implements the pipeline coordinator (P): it turns one
// InferenceRequest into an ordered chain of EXECUTE_TASK sub-requests
// against the shard holders discovery (S) currently reports, retrying and
// re-selecting on a per-stage basis, and assembles the final
// InferenceResponse once the last shard's output carries decoded tokens.
package pipeline

import (
	"encoding/json"
	"time"
)

// ErrorKind discriminates why Submit failed to produce a response.
type ErrorKind string

const (
	ErrPipelineIncomplete ErrorKind = "PipelineIncomplete"
	ErrNodeUnreachable    ErrorKind = "NodeUnreachable"
	ErrNodeExecutionError ErrorKind = "NodeExecutionError"
	ErrTimeout            ErrorKind = "Timeout"
	ErrCancelled          ErrorKind = "Cancelled"
	ErrInternal           ErrorKind = "Internal"
)

// SubmitError is the error type Submit returns on any non-success outcome;
// callers switch on Kind rather than string-matching Error().
type SubmitError struct {
	Kind ErrorKind
	Err  error
}

func (e *SubmitError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

func newSubmitError(kind ErrorKind, err error) *SubmitError {
	return &SubmitError{Kind: kind, Err: err}
}

// InferenceRequest is the external submitter's ask: a prompt to run through
// every shard of the model, in order, with the sampling params EXECUTE_TASK
// accepts.
type InferenceRequest struct {
	RequestID   string  `json:"request_id"`
	ModelName   string  `json:"model_name"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// IntermediateResult is one stage's output as it is handed to the next
// stage's input: either the raw prompt (stage 0) or the previous shard's
// hidden-state bytes.
type IntermediateResult struct {
	ShardIndex uint32 `json:"shard_index"`
	NodeID     string `json:"node_id"`
	Data       []byte `json:"data"`
}

// InferenceResponse is Submit's success result: the decoded text and
// bookkeeping the external submitter and metrics both want.
type InferenceResponse struct {
	RequestID  string   `json:"request_id"`
	Text       string   `json:"text"`
	Tokens     []int    `json:"tokens"`
	LatencyMs  float64  `json:"latency_ms"`
	ShardsUsed []string `json:"shards_used"` // node id per shard index, in order
}

// MarshalJSON is used by cmd/coordinator's HTTP ingress to serialize
// either a response or the SubmitError wire form.
func (e *SubmitError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  ErrorKind `json:"kind"`
		Error string    `json:"error"`
	}{Kind: e.Kind, Error: e.Err.Error()})
}

// defaults mirrored from spec: stage deadline, stage retries, node startup
// timeout, and the Wait-strategy poll interval.
const (
	defaultStageTimeout      = 30 * time.Second
	defaultStageRetries      = 2
	defaultNodeStartupTimeout = 30 * time.Second
	waitPollInterval         = 500 * time.Millisecond
)
