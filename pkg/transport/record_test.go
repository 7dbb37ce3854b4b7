package transport

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestConnectionRecord_InitialState(t *testing.T) {
	rec := newConnectionRecord(peer.ID("fake"), SubstrateTCP, "/ip4/127.0.0.1/tcp/4001")
	if rec.State() != StateDialing {
		t.Errorf("initial state = %s, want %s", rec.State(), StateDialing)
	}
	if rec.CloseReason() != nil {
		t.Errorf("expected nil close reason before termination")
	}
}

func TestConnectionRecord_SetStateFollowsMachine(t *testing.T) {
	rec := newConnectionRecord(peer.ID("fake"), SubstrateTCP, "")

	if err := rec.setState(StateAuthenticated, nil); err != nil {
		t.Fatalf("Dialing->Authenticated: %v", err)
	}
	if err := rec.setState(StateOpen, nil); err != nil {
		t.Fatalf("Authenticated->Open: %v", err)
	}
	if rec.State() != StateOpen {
		t.Fatalf("state = %s, want Open", rec.State())
	}

	wantErr := ErrKeepaliveFailed
	if err := rec.setState(StateKeepaliveFailed, wantErr); err != nil {
		t.Fatalf("Open->KeepaliveFailed: %v", err)
	}
	if rec.CloseReason() != wantErr {
		t.Errorf("CloseReason() = %v, want %v", rec.CloseReason(), wantErr)
	}

	if err := rec.setState(StateOpen, nil); err == nil {
		t.Error("expected error reopening a terminal connection")
	}
}

func TestConnectionRecord_Touch(t *testing.T) {
	rec := newConnectionRecord(peer.ID("fake"), SubstrateTCP, "")
	before := rec.LastSeen()
	rec.touch()
	if rec.LastSeen().Before(before) {
		t.Error("touch() did not advance LastSeen")
	}
}
