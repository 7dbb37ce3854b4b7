package command

import (
	"encoding/json"
	"testing"
)

func TestCommand_RoundTrip(t *testing.T) {
	params, _ := json.Marshal(ExecuteTaskParams{TaskType: "ai_inference", ModelName: "m", ShardID: 1, MaxTokens: 16})
	cmd := Command{
		Command:   ExecuteTask,
		RequestID: "req-1",
		From:      "peerA",
		To:        "peerB",
		Timestamp: 1234,
		Params:    params,
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Command
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Command != cmd.Command || got.RequestID != cmd.RequestID || got.From != cmd.From || got.To != cmd.To || got.Timestamp != cmd.Timestamp {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cmd)
	}
	if string(got.Params) != string(cmd.Params) {
		t.Errorf("params mismatch: got %s, want %s", got.Params, cmd.Params)
	}
}

func TestCommandResponse_RoundTrip(t *testing.T) {
	result, _ := json.Marshal(GetStatusResult{SwarmReady: true})
	resp := CommandResponse{
		Command:   GetStatus,
		RequestID: "req-2",
		From:      "peerB",
		To:        "peerA",
		Timestamp: 5678,
		Status:    StatusSuccess,
		Result:    result,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got CommandResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RequestID != resp.RequestID || got.Status != resp.Status {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestErrorResponse_CarriesRequestID(t *testing.T) {
	cmd := Command{Command: ExecuteTask, RequestID: "abc", From: "peerA"}
	resp := errorResponse(cmd, "self", errTest("validation: bad"))
	if resp.RequestID != cmd.RequestID {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, cmd.RequestID)
	}
	if resp.Status != StatusError {
		t.Errorf("Status = %q, want error", resp.Status)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
