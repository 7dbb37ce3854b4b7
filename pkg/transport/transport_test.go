package transport

import (
	"path/filepath"
	"testing"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/identity"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	dir := t.TempDir()
	id, err := identity.LoadOrCreate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	tr, err := New(Config{
		Priv:        id.Priv,
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestNew_RequiresPriv(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error when Priv is nil")
	}
}

func TestNew_Basic(t *testing.T) {
	tr := newTestTransport(t)
	if tr.Host() == nil {
		t.Fatal("Host() returned nil")
	}
	if tr.PeerID() == "" {
		t.Fatal("PeerID() empty")
	}
}

func TestNew_ListensOnConfiguredAddr(t *testing.T) {
	tr := newTestTransport(t)
	if len(tr.Host().Addrs()) == 0 {
		t.Fatal("expected at least one listen address")
	}
	if len(tr.Addrs()) == 0 {
		t.Fatal("expected Addrs() to return at least one p2p multiaddr")
	}
}

func TestNew_DefaultsDialSubstrateToDual(t *testing.T) {
	dir := t.TempDir()
	id, err := identity.LoadOrCreate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	tr, err := New(Config{Priv: id.Priv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()
	if tr.cfg.DialSubstrate != SubstrateDual {
		t.Errorf("DialSubstrate = %q, want %q", tr.cfg.DialSubstrate, SubstrateDual)
	}
}
