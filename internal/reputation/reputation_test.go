package reputation

import (
	"context"
	"testing"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl := New(context.Background())
	t.Cleanup(tbl.Close)
	return tbl
}

func TestScore_DefaultsForUnknownPeer(t *testing.T) {
	tbl := newTestTable(t)
	if got := tbl.Score("never-seen"); got != initialScore {
		t.Errorf("Score = %v, want default %v", got, initialScore)
	}
}

func TestScore_IncreasesOnSuccess(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Record(Event{PeerID: "p1", Kind: StageSuccess})
	// Record is async; Score's round trip through the same goroutine
	// guarantees happens-before ordering with the prior Record send.
	if got := tbl.Score("p1"); got <= initialScore {
		t.Errorf("Score after success = %v, want > %v", got, initialScore)
	}
}

func TestScore_DecreasesOnFailure(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Record(Event{PeerID: "p1", Kind: StageFailure, FailureKind: "Timeout"})
	if got := tbl.Score("p1"); got >= initialScore {
		t.Errorf("Score after failure = %v, want < %v", got, initialScore)
	}
}

func TestScore_ConvergesTowardOneOnRepeatedSuccess(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 50; i++ {
		tbl.Record(Event{PeerID: "reliable", Kind: StageSuccess})
	}
	if got := tbl.Score("reliable"); got < 0.95 {
		t.Errorf("Score after 50 successes = %v, want close to 1", got)
	}
}

func TestScore_ConvergesTowardZeroOnRepeatedFailure(t *testing.T) {
	tbl := newTestTable(t)
	for i := 0; i < 50; i++ {
		tbl.Record(Event{PeerID: "flaky", Kind: StageFailure})
	}
	if got := tbl.Score("flaky"); got > 0.05 {
		t.Errorf("Score after 50 failures = %v, want close to 0", got)
	}
}

func TestScore_PeersAreIndependent(t *testing.T) {
	tbl := newTestTable(t)
	tbl.Record(Event{PeerID: "good", Kind: StageSuccess})
	tbl.Record(Event{PeerID: "bad", Kind: StageFailure})

	if tbl.Score("good") <= tbl.Score("bad") {
		t.Error("independent peers' scores should diverge")
	}
}

func TestClose_StopsAcceptingWork(t *testing.T) {
	tbl := New(context.Background())
	tbl.Close()
	if got := tbl.Score("anyone"); got != initialScore {
		t.Errorf("Score after Close = %v, want default %v", got, initialScore)
	}
}
