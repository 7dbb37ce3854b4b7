package discovery

import "testing"

func TestScore_MonotonicInInputs(t *testing.T) {
	base := NodeCapabilities{CPUUsage: 0.5, MemTotalBytes: 100, MemAvailBytes: 50, LatencyMs: 50, Reputation: 0.5}
	lessLoaded := base
	lessLoaded.CPUUsage = 0.1

	if Score(lessLoaded, DefaultWeights) <= Score(base, DefaultWeights) {
		t.Error("lower cpu usage should score higher")
	}

	moreMem := base
	moreMem.MemAvailBytes = 90
	if Score(moreMem, DefaultWeights) <= Score(base, DefaultWeights) {
		t.Error("more available memory should score higher")
	}

	withGPU := base
	withGPU.GPUPresent = true
	if Score(withGPU, DefaultWeights) <= Score(base, DefaultWeights) {
		t.Error("gpu presence should score higher")
	}

	lowerLatency := base
	lowerLatency.LatencyMs = 10
	if Score(lowerLatency, DefaultWeights) <= Score(base, DefaultWeights) {
		t.Error("lower latency should score higher")
	}

	higherRep := base
	higherRep.Reputation = 0.9
	if Score(higherRep, DefaultWeights) <= Score(base, DefaultWeights) {
		t.Error("higher reputation should score higher")
	}
}

func TestScore_ZeroMemTotalDoesNotPanic(t *testing.T) {
	Score(NodeCapabilities{}, DefaultWeights)
}

func TestBest_TiesBreakOnLatencyThenNodeID(t *testing.T) {
	identical := NodeCapabilities{CPUUsage: 0.5, Reputation: 0.5}

	a := ShardAnnouncement{NodeID: "zzz", Capabilities: identical}
	a.Capabilities.LatencyMs = 50
	b := ShardAnnouncement{NodeID: "aaa", Capabilities: identical}
	b.Capabilities.LatencyMs = 50

	// Equal scores, equal latency: lexicographically lesser node id wins.
	got := best([]ShardAnnouncement{a, b}, DefaultWeights)
	if got.NodeID != "aaa" {
		t.Errorf("best() = %q, want aaa", got.NodeID)
	}

	// Equal scores, distinct latency: lower latency wins regardless of id.
	c := ShardAnnouncement{NodeID: "zzz", Capabilities: identical}
	c.Capabilities.LatencyMs = 10
	got = best([]ShardAnnouncement{a, c}, DefaultWeights)
	if got.NodeID != "zzz" {
		t.Errorf("best() = %q, want zzz (lower latency)", got.NodeID)
	}
}

func TestBest_EmptyReturnsNil(t *testing.T) {
	if best(nil, DefaultWeights) != nil {
		t.Error("best(nil) should be nil")
	}
}
