// Package command implements the per-peer command engine (C): the closed
// set of request/response envelopes shard-hosting nodes exchange over a
// dedicated libp2p protocol, with strict inbound validation and
// request-id — never transport-handle — correlation.
package command

import (
	"encoding/json"
	"time"
)

// Name is one of the closed set of recognized command names.
type Name string

const (
	GetCapabilities Name = "GET_CAPABILITIES"
	LoadShard       Name = "LOAD_SHARD"
	ListFiles       Name = "LIST_FILES"
	ExecuteTask     Name = "EXECUTE_TASK"
	GetStatus       Name = "GET_STATUS"
	SyncTorrents    Name = "SYNC_TORRENTS"
)

// closedSet is the membership test for Name; command() field validation
// rejects anything not in it.
var closedSet = map[Name]bool{
	GetCapabilities: true,
	LoadShard:       true,
	ListFiles:       true,
	ExecuteTask:     true,
	GetStatus:       true,
	SyncTorrents:    true,
}

// Command is the wire envelope a peer sends to invoke one of the closed
// command set on another peer.
type Command struct {
	Command   Name            `json:"command"`
	RequestID string          `json:"request_id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Status is the outcome discriminator on a CommandResponse.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// CommandResponse is the wire envelope returned for a Command, correlated
// to it by RequestID — the single authoritative correlation key (never a
// transport-layer stream/request handle, which can differ across hops).
type CommandResponse struct {
	Command   Name            `json:"command"`
	RequestID string          `json:"request_id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func errorResponse(cmd Command, selfID string, err error) CommandResponse {
	return CommandResponse{
		Command:   cmd.Command,
		RequestID: cmd.RequestID,
		From:      selfID,
		To:        cmd.From,
		Timestamp: time.Now().Unix(),
		Status:    StatusError,
		Error:     err.Error(),
	}
}

func successResponse(cmd Command, selfID string, result any) (CommandResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{
		Command:   cmd.Command,
		RequestID: cmd.RequestID,
		From:      selfID,
		To:        cmd.From,
		Timestamp: time.Now().Unix(),
		Status:    StatusSuccess,
		Result:    raw,
	}, nil
}
