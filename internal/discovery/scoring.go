package discovery

import "math"

// Weights holds the five named node-score coefficients from spec.md §4.3.
// The structure (exactly these five terms) is fixed; only their values are
// configurable, and must sum to 1 — see internal/validate.ScoreWeights.
type Weights struct {
	CPU        float64 `json:"cpu" yaml:"cpu"`
	Mem        float64 `json:"mem" yaml:"mem"`
	GPU        float64 `json:"gpu" yaml:"gpu"`
	Latency    float64 `json:"latency" yaml:"latency"`
	Reputation float64 `json:"reputation" yaml:"reputation"`
}

// DefaultWeights are the documented defaults from spec.md §4.3.
var DefaultWeights = Weights{
	CPU:        0.20,
	Mem:        0.25,
	GPU:        0.15,
	Latency:    0.15,
	Reputation: 0.25,
}

// Sum returns the sum of all five terms, used to validate configured
// weights sum to 1 (within floating-point tolerance).
func (w Weights) Sum() float64 {
	return w.CPU + w.Mem + w.GPU + w.Latency + w.Reputation
}

// Score ranks a candidate node's fitness to serve a shard: more idle CPU,
// more available memory, GPU presence, low latency, and high reputation
// all push the score up.
func Score(c NodeCapabilities, w Weights) float64 {
	memRatio := 0.0
	if c.MemTotalBytes > 0 {
		memRatio = float64(c.MemAvailBytes) / float64(c.MemTotalBytes)
	}
	gpu := 0.0
	if c.GPUPresent {
		gpu = 1.0
	}
	return w.CPU*(1-c.CPUUsage) +
		w.Mem*memRatio +
		w.GPU*gpu +
		w.Latency*math.Exp(-c.LatencyMs/100) +
		w.Reputation*c.Reputation
}

// best picks the highest-scoring announcement among candidates under w,
// tie-broken by lower latency, then by lexicographically lesser node id so
// every consumer with the same observations converges on the same choice.
func best(candidates []ShardAnnouncement, w Weights) *ShardAnnouncement {
	if len(candidates) == 0 {
		return nil
	}
	winner := candidates[0]
	winnerScore := Score(winner.Capabilities, w)
	for _, c := range candidates[1:] {
		s := Score(c.Capabilities, w)
		switch {
		case s > winnerScore:
			winner, winnerScore = c, s
		case s == winnerScore && c.Capabilities.LatencyMs < winner.Capabilities.LatencyMs:
			winner, winnerScore = c, s
		case s == winnerScore && c.Capabilities.LatencyMs == winner.Capabilities.LatencyMs && c.NodeID < winner.NodeID:
			winner, winnerScore = c, s
		}
	}
	return &winner
}
