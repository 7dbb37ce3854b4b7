package shardstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/command"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
	"github.com/libp2p/go-libp2p/core/host"
)

// Store is F: the set of shard files this node physically holds, plus the
// manifest mapping a cluster's shard indices to the info_hash each one is
// content-addressed by. Per spec.md §9 Open Question 1, this repository
// resolves the shard_id→info_hash mapping as a manifest distributed at
// cluster bootstrap (see Manifest/SetManifest) rather than deriving it.
type Store struct {
	dir     string
	cluster string
	host    host.Host
	d       *dht.DHT
	fetcher *Fetcher

	mu       sync.RWMutex
	files    map[[32]byte]FileInfo // keyed by info_hash
	manifest map[uint32][32]byte   // shard_id -> info_hash
}

// New constructs a Store rooted at dir for one cluster. Call Scan once at
// startup to populate it from whatever files already exist on disk.
func New(dir, cluster string, h host.Host, d *dht.DHT) *Store {
	s := &Store{
		dir:      dir,
		cluster:  cluster,
		host:     h,
		d:        d,
		files:    make(map[[32]byte]FileInfo),
		manifest: make(map[uint32][32]byte),
	}
	s.fetcher = NewFetcher(h, cluster, s)
	s.fetcher.SetDHT(d)
	return s
}

// Fetcher exposes the underlying piece-transfer client/server so callers
// can install its stream handler.
func (s *Store) Fetcher() *Fetcher { return s.fetcher }

// Start installs the inbound piece-serving stream handler.
func (s *Store) Start() { s.fetcher.Start() }

// Close removes the inbound piece-serving stream handler.
func (s *Store) Close() { s.fetcher.Close() }

// Scan walks the shards directory, hashing every regular file into a
// FileInfo. Existing entries are replaced; this is meant to be called once
// at startup, not on a hot path.
func (s *Store) Scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("shardstore: read shards dir: %w", err)
	}

	found := make(map[[32]byte]FileInfo)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		info, err := HashFile(path)
		if err != nil {
			slog.Warn("shardstore: failed to hash local file", "path", path, "err", err)
			continue
		}
		found[info.InfoHash] = info
	}

	s.mu.Lock()
	s.files = found
	s.mu.Unlock()
	return nil
}

// SetManifest installs the shard_id -> info_hash mapping for this cluster,
// as fetched from the rendezvous node at bootstrap.
func (s *Store) SetManifest(m map[uint32][32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = m
}

// Put registers a locally materialized file (used once a download
// completes, or to seed a store in tests without touching disk).
func (s *Store) Put(info FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[info.InfoHash] = info
}

// Lookup returns the FileInfo for infoHash, if held locally.
func (s *Store) Lookup(infoHash [32]byte) (FileInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fi, ok := s.files[infoHash]
	return fi, ok
}

// ListFiles implements command.Backend's ListFiles: a LIST_FILES response
// over every file this node currently holds.
func (s *Store) ListFiles() []command.FileSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]command.FileSummary, 0, len(s.files))
	for _, fi := range s.files {
		out = append(out, command.FileSummary{
			InfoHash: WrapCID(fi.InfoHash).String(),
			Filename: fi.Filename,
			Size:     uint64(fi.Size),
		})
	}
	return out
}

// Announce publishes, for every locally-held file, a provider record under
// file(info_hash) (membership: "this node holds this file") plus this
// holder's own Record content under a scalar per-holder key, mirroring the
// Provide+Put split internal/discovery uses for shard announcements.
func (s *Store) Announce(ctx context.Context) error {
	s.mu.RLock()
	files := make([]FileInfo, 0, len(s.files))
	for _, fi := range s.files {
		files = append(files, fi)
	}
	s.mu.RUnlock()

	selfID := s.host.ID().String()
	addrs := make([]string, 0, len(s.host.Addrs()))
	for _, a := range s.host.Addrs() {
		addrs = append(addrs, a.String())
	}

	for _, fi := range files {
		if s.fetcher.ParityShards > 0 {
			if err := s.fetcher.EnsureParity(fi); err != nil {
				slog.Warn("shardstore: parity computation failed", "info_hash", fi.InfoHash, "err", err)
			}
		}

		key := dht.FileKey(fi.InfoHash[:])
		if err := s.d.Provide(ctx, key); err != nil {
			slog.Warn("shardstore: provide failed", "info_hash", fi.InfoHash, "err", err)
			continue
		}

		rec := Record{
			Filename:     fi.Filename,
			Size:         fi.Size,
			PieceLength:  fi.PieceLength,
			PieceHashes:  flattenHashes(fi.PieceHashes),
			HolderPeerID: selfID,
			HolderAddrs:  addrs,
			Timestamp:    time.Now(),
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("shardstore: marshal record: %w", err)
		}
		recKey := dht.FileRecordKey(fi.InfoHash[:], selfID)
		if _, err := s.d.Put(ctx, recKey, payload, 0); err != nil {
			slog.Warn("shardstore: put record failed", "info_hash", fi.InfoHash, "err", err)
		}
	}
	return nil
}

// LoadShard implements command.Backend's LoadShard: returns the local path
// for shardID, fetching it from the swarm via the piece-transfer protocol
// first if this node doesn't already hold it.
func (s *Store) LoadShard(ctx context.Context, shardID uint32) (string, error) {
	s.mu.RLock()
	infoHash, ok := s.manifest[shardID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: shard %d has no manifest entry", ErrNotAvailable, shardID)
	}

	if fi, ok := s.Lookup(infoHash); ok {
		return fi.Path, nil
	}

	fi, err := s.fetcher.Download(ctx, infoHash)
	if err != nil {
		return "", err
	}
	s.Put(fi)
	return fi.Path, nil
}

func flattenHashes(hashes [][32]byte) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		h := h
		out[i] = h[:]
	}
	return out
}
