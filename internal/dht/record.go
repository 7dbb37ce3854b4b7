package dht

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the value stored at every scalar dht key. Publisher and
// Timestamp let Select pick the newest write when two publishers race for
// the same key, and let Get discard records outside the caller's freshness
// window without a second round trip.
type envelope struct {
	Publisher string `json:"publisher"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
}

// Record is a scalar value returned from Get, with its write time exposed
// so callers can apply their own freshness policy on top of the window Get
// already enforced.
type Record struct {
	Publisher string
	Timestamp time.Time
	Payload   []byte
}

func encodeEnvelope(publisher string, payload []byte) ([]byte, error) {
	e := envelope{Publisher: publisher, Timestamp: time.Now().Unix(), Payload: payload}
	return json.Marshal(e)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("dht: malformed record envelope: %w", err)
	}
	return e, nil
}

// validator implements github.com/libp2p/go-libp2p-record.Validator for the
// "swarm" namespace: any well-formed envelope validates, and Select always
// keeps the one with the latest Timestamp, ties broken by publisher id for
// determinism across peers.
type validator struct{}

func (validator) Validate(_ string, value []byte) error {
	_, err := decodeEnvelope(value)
	return err
}

func (validator) Select(_ string, values [][]byte) (int, error) {
	best := -1
	var bestEnv envelope
	for i, v := range values {
		e, err := decodeEnvelope(v)
		if err != nil {
			continue
		}
		if best == -1 || e.Timestamp > bestEnv.Timestamp ||
			(e.Timestamp == bestEnv.Timestamp && e.Publisher > bestEnv.Publisher) {
			best = i
			bestEnv = e
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("dht: no valid record among %d candidates", len(values))
	}
	return best, nil
}
