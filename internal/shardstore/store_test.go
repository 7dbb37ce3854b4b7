package shardstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/identity"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/pkg/transport"
)

func newTestStore(t *testing.T, dir, cluster string) (*Store, *transport.Transport, *dht.DHT) {
	t.Helper()
	keyDir := t.TempDir()
	id, err := identity.LoadOrCreate(filepath.Join(keyDir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	tr, err := transport.New(transport.Config{Priv: id.Priv, ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	d, err := dht.New(context.Background(), dht.Config{Host: tr.Host(), Cluster: cluster})
	if err != nil {
		t.Fatalf("dht.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	return New(dir, cluster, tr.Host(), d), tr, d
}

func TestStore_ScanFindsLocalFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "shard-0.bin", PieceSize)
	writeTestFile(t, dir, "shard-1.bin", 2*PieceSize)

	store, _, _ := newTestStore(t, dir, "cluster1")
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	files := store.ListFiles()
	if len(files) != 2 {
		t.Fatalf("ListFiles returned %d entries, want 2", len(files))
	}
}

func TestStore_ScanMissingDirIsNotAnError(t *testing.T) {
	store, _, _ := newTestStore(t, "/nonexistent/does/not/exist", "cluster1")
	if err := store.Scan(); err != nil {
		t.Fatalf("Scan on missing dir should be a no-op, got %v", err)
	}
}

func TestStore_LoadShard_ReturnsLocalPathWhenAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "shard-0.bin", PieceSize)
	info, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	store, _, _ := newTestStore(t, dir, "cluster1")
	store.Put(info)
	store.SetManifest(map[uint32][32]byte{0: info.InfoHash})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := store.LoadShard(ctx, 0)
	if err != nil {
		t.Fatalf("LoadShard: %v", err)
	}
	if got != path {
		t.Errorf("LoadShard = %q, want %q", got, path)
	}
}

func TestStore_LoadShard_NoManifestEntryIsNotAvailable(t *testing.T) {
	store, _, _ := newTestStore(t, t.TempDir(), "cluster1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.LoadShard(ctx, 99); err == nil {
		t.Fatal("expected error for shard with no manifest entry")
	}
}
