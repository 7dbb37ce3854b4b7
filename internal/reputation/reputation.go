// Package reputation tracks per-peer reliability purely in memory: the
// reputation table is explicitly not persisted state — it is rebuilt from
// observed pipeline outcomes and is recoverable through the DHT's
// announcement records, the same way discovery tables and pipeline state
// are. Updates are serialized through a single background goroutine so
// concurrent pipelines never race on the same peer's score.
package reputation

import (
	"context"
	"log/slog"
)

// EventKind distinguishes a successful pipeline stage from a failed one.
type EventKind int

const (
	StageSuccess EventKind = iota
	StageFailure
)

func (k EventKind) String() string {
	if k == StageSuccess {
		return "success"
	}
	return "failure"
}

// Event is one outcome observation fed into the single-writer table by any
// pipeline, for any peer, concurrently.
type Event struct {
	PeerID string
	Kind   EventKind
	// FailureKind names the error kind (Timeout, Refused, ...) for a
	// StageFailure event; ignored for StageSuccess.
	FailureKind string
}

const (
	initialScore = 0.5
	// learningRate controls how fast a score moves toward 1 (success) or
	// 0 (failure) per event — an exponential moving average, not a
	// running count, so old behavior decays in influence over time.
	learningRate = 0.2
	eventBuffer  = 256
)

// Table is the single-writer reputation score, read by S's weighted
// selection (w_rep) and by P when deciding whether to re-select a peer
// after repeated stage failures.
type Table struct {
	events chan Event
	reads  chan readReq
	cancel context.CancelFunc
	done   chan struct{}
}

type readReq struct {
	peerID string
	resp   chan float64
}

// New starts the table's single-writer goroutine, scoped under ctx. Call
// Close to stop it deterministically regardless of ctx's own lifecycle.
func New(ctx context.Context) *Table {
	runCtx, cancel := context.WithCancel(ctx)
	t := &Table{
		events: make(chan Event, eventBuffer),
		reads:  make(chan readReq),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(runCtx)
	return t
}

func (t *Table) run(ctx context.Context) {
	defer close(t.done)
	scores := make(map[string]float64)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			cur, ok := scores[ev.PeerID]
			if !ok {
				cur = initialScore
			}
			switch ev.Kind {
			case StageSuccess:
				cur += (1 - cur) * learningRate
			case StageFailure:
				cur -= cur * learningRate
				slog.Info("reputation: stage failure recorded", "peer", ev.PeerID, "kind", ev.FailureKind, "score", cur)
			}
			scores[ev.PeerID] = cur
		case req := <-t.reads:
			cur, ok := scores[req.peerID]
			if !ok {
				cur = initialScore
			}
			req.resp <- cur
		}
	}
}

// Record enqueues an outcome event. It never blocks the caller on a full
// buffer — an event is dropped and logged rather than stalling a pipeline
// stage on reputation bookkeeping.
func (t *Table) Record(ev Event) {
	select {
	case t.events <- ev:
	default:
		slog.Warn("reputation: event buffer full, dropping event", "peer", ev.PeerID, "kind", ev.Kind)
	}
}

// Score returns peerID's current reputation in [0, 1], defaulting to 0.5
// for a peer with no recorded history. Blocks briefly on the single-writer
// goroutine to read a consistent snapshot; returns the default if the
// table has already been closed.
func (t *Table) Score(peerID string) float64 {
	resp := make(chan float64, 1)
	select {
	case t.reads <- readReq{peerID: peerID, resp: resp}:
		return <-resp
	case <-t.done:
		return initialScore
	}
}

// Close stops the single-writer goroutine and waits for it to exit. Safe
// to call once.
func (t *Table) Close() {
	t.cancel()
	<-t.done
}
