package shardstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multihash"
	"golang.org/x/sync/errgroup"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
)

const (
	maxParallelPieces = 8
	maxPieceRetries   = 3
	defaultFanout     = 20
)

// PieceRequest asks a holder for one piece of a content-addressed file.
type PieceRequest struct {
	InfoHash string `json:"info_hash"`
	Index    uint32 `json:"index"`
}

// PieceResponse carries the raw piece bytes, or Error if the holder
// doesn't have the file or the index is out of range.
type PieceResponse struct {
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Fetcher is the piece-transfer side of F: it serves pieces of locally
// held files to other nodes, and drives the fetch-verify-retry loop that
// reassembles a file this node doesn't yet hold from remote holders.
type Fetcher struct {
	host       host.Host
	protocolID protocol.ID
	store      *Store
	d          *dht.DHT
	freshness  time.Duration
	fanout     int

	// ParityShards, when > 0, enables Reed-Solomon reconstruction of
	// permanently missing data pieces from parity pieces once the plain
	// retry-from-disjoint-holders path (spec.md §4.6 step 5) is exhausted.
	ParityShards int

	parityMu    sync.RWMutex
	parityCache map[[32]byte][][]byte
}

// NewFetcher constructs a Fetcher for one cluster's piece-transfer
// protocol, bound to store for both serving local pieces and writing
// completed downloads back.
func NewFetcher(h host.Host, cluster string, store *Store) *Fetcher {
	return &Fetcher{
		host:        h,
		protocolID:  protocol.ID(fmt.Sprintf("/swarm/%s/piece/1.0.0", cluster)),
		store:       store,
		freshness:   5 * time.Minute,
		fanout:      defaultFanout,
		parityCache: make(map[[32]byte][][]byte),
	}
}

// SetDHT wires in the DHT participant used to discover holders. Split from
// the constructor because Store and its DHT are sometimes wired up in two
// steps by cmd/shardnode.
func (f *Fetcher) SetDHT(d *dht.DHT) { f.d = d }

// Start installs the inbound piece-serving stream handler.
func (f *Fetcher) Start() { f.host.SetStreamHandler(f.protocolID, f.handleStream) }

// Close removes the inbound stream handler.
func (f *Fetcher) Close() { f.host.RemoveStreamHandler(f.protocolID) }

func (f *Fetcher) handleStream(s network.Stream) {
	defer s.Close()

	var req PieceRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil {
		s.Reset()
		return
	}

	resp := f.servePiece(req)
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		slog.Warn("shardstore: failed to write piece response", "err", err)
	}
}

func (f *Fetcher) servePiece(req PieceRequest) PieceResponse {
	digest, err := infoHashFromCIDString(req.InfoHash)
	if err != nil {
		return PieceResponse{Error: fmt.Sprintf("shardstore: bad info_hash: %v", err)}
	}
	fi, ok := f.store.Lookup(digest)
	if !ok {
		return PieceResponse{Error: ErrNotLoaded.Error()}
	}
	if int(req.Index) >= fi.NumPieces() {
		parityIdx := int(req.Index) - fi.NumPieces()
		parity, ok := f.parityFor(digest)
		if !ok || parityIdx < 0 || parityIdx >= len(parity) {
			return PieceResponse{Error: "shardstore: piece index out of range"}
		}
		return PieceResponse{Data: parity[parityIdx]}
	}

	file, err := os.Open(fi.Path)
	if err != nil {
		return PieceResponse{Error: fmt.Sprintf("shardstore: open: %v", err)}
	}
	defer file.Close()

	offset := int64(req.Index) * fi.PieceLength
	buf := make([]byte, fi.PieceLength)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return PieceResponse{Error: fmt.Sprintf("shardstore: read: %v", err)}
	}
	return PieceResponse{Data: buf[:n]}
}

// infoHashFromCIDString recovers the raw BLAKE3 digest wrapped in a CIDv1
// string, the inverse of WrapCID(digest).String().
func infoHashFromCIDString(s string) ([32]byte, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("shardstore: decode cid: %w", err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return [32]byte{}, fmt.Errorf("shardstore: decode multihash: %w", err)
	}
	var out [32]byte
	copy(out[:], decoded.Digest)
	return out, nil
}

func (f *Fetcher) requestPiece(ctx context.Context, holder peer.AddrInfo, infoHash [32]byte, index uint32) ([]byte, error) {
	if len(holder.Addrs) > 0 {
		f.host.Peerstore().AddAddrs(holder.ID, holder.Addrs, time.Hour)
	}
	s, err := f.host.NewStream(ctx, holder.ID, f.protocolID)
	if err != nil {
		return nil, fmt.Errorf("shardstore: open stream to %s: %w", holder.ID, err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	req := PieceRequest{InfoHash: WrapCID(infoHash).String(), Index: index}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		return nil, fmt.Errorf("shardstore: write piece request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("shardstore: close write: %w", err)
	}

	var resp PieceResponse
	if err := json.NewDecoder(s).Decode(&resp); err != nil {
		return nil, fmt.Errorf("shardstore: read piece response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("shardstore: holder %s: %s", holder.ID, resp.Error)
	}
	return resp.Data, nil
}

// Download fetches infoHash piece-by-piece from holders discovered via D,
// verifying each piece and the reassembled whole, per spec.md §4.6's
// algorithm: parallel batches (≤8) round-robin across holders, per-piece
// retry up to 3 times with the failing holder marked degraded, and a
// info_hash-mismatch retry from a disjoint holder set.
func (f *Fetcher) Download(ctx context.Context, infoHash [32]byte) (FileInfo, error) {
	return f.downloadAttempt(ctx, infoHash, map[peer.ID]bool{}, true)
}

func (f *Fetcher) downloadAttempt(ctx context.Context, infoHash [32]byte, excluded map[peer.ID]bool, allowRetryFromDisjoint bool) (FileInfo, error) {
	providers, err := f.d.FindProviders(ctx, dht.FileKey(infoHash[:]), f.fanout)
	if err != nil {
		return FileInfo{}, fmt.Errorf("shardstore: find providers: %w", err)
	}
	holders := make([]peer.AddrInfo, 0, len(providers))
	for _, p := range providers {
		if !excluded[p.ID] {
			holders = append(holders, p)
		}
	}
	if len(holders) == 0 {
		return FileInfo{}, ErrNoHolders
	}

	desc, err := f.fetchDescriptor(ctx, infoHash, holders)
	if err != nil {
		return FileInfo{}, err
	}
	numPieces := int(desc.Size / desc.PieceLength)
	if desc.Size%desc.PieceLength != 0 {
		numPieces++
	}
	if len(desc.PieceHashes) != numPieces {
		return FileInfo{}, fmt.Errorf("shardstore: descriptor piece_hashes length %d does not match expected %d pieces", len(desc.PieceHashes), numPieces)
	}

	pieces := make([][]byte, numPieces)
	degraded := newDegradeTracker(maxPieceRetries)

	// Every job runs to completion even if some pieces end up permanently
	// unreachable: a hard failure only cancels sibling work when there is
	// no parity fallback to try, decided once every piece has been
	// attempted (see the missing-piece check below).
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int, numPieces)
	for i := 0; i < numPieces; i++ {
		jobs <- i
	}
	close(jobs)

	workers := maxParallelPieces
	if workers > len(holders) {
		workers = len(holders)
	}
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for idx := range jobs {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				var expected [32]byte
				copy(expected[:], desc.PieceHashes[idx])
				data, err := f.fetchPieceWithRetry(gctx, holders, infoHash, expected, idx, degraded, w)
				if err != nil {
					slog.Warn("shardstore: piece permanently unreachable from this holder set", "index", idx, "err", err)
					continue
				}
				pieces[idx] = data
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FileInfo{}, err
	}

	missing := missingIndices(pieces)
	if len(missing) > 0 && f.ParityShards > 0 {
		if err := f.reconstructWithParity(ctx, infoHash, desc, pieces, missing, holders, degraded); err != nil {
			slog.Warn("shardstore: parity reconstruction failed", "err", err)
		} else {
			missing = missingIndices(pieces)
		}
	}
	if len(missing) > 0 {
		if allowRetryFromDisjoint {
			for id := range degraded.snapshot() {
				excluded[id] = true
			}
			slog.Warn("shardstore: pieces unreachable, retrying from a disjoint holder set", "missing", len(missing))
			return f.downloadAttempt(ctx, infoHash, excluded, false)
		}
		return FileInfo{}, fmt.Errorf("%w: %d of %d pieces unreachable", ErrPieceVerification, len(missing), numPieces)
	}

	fi, err := f.reassemble(desc, infoHash, pieces)
	if err != nil {
		if allowRetryFromDisjoint {
			for id := range degraded.snapshot() {
				excluded[id] = true
			}
			slog.Warn("shardstore: reassembly failed, retrying from a disjoint holder set", "err", err)
			return f.downloadAttempt(ctx, infoHash, excluded, false)
		}
		return FileInfo{}, err
	}
	return fi, nil
}

func missingIndices(pieces [][]byte) []int {
	var missing []int
	for i, p := range pieces {
		if p == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

func (f *Fetcher) fetchDescriptor(ctx context.Context, infoHash [32]byte, holders []peer.AddrInfo) (Record, error) {
	var lastErr error
	for _, h := range holders {
		rec, err := f.d.Get(ctx, dht.FileRecordKey(infoHash[:], h.ID.String()), f.freshness)
		if err != nil {
			lastErr = err
			continue
		}
		var desc Record
		if err := json.Unmarshal(rec.Payload, &desc); err != nil {
			lastErr = err
			continue
		}
		return desc, nil
	}
	if lastErr == nil {
		lastErr = ErrNoHolders
	}
	return Record{}, fmt.Errorf("shardstore: no holder published a readable file record: %w", lastErr)
}

// fetchPieceWithRetry requests one piece from the liveHolders round-robin,
// re-requesting from a different holder on transport failure or hash
// mismatch, up to maxPieceRetries times. A holder is marked degraded after
// maxPieceRetries failures and excluded from the remaining live set.
func (f *Fetcher) fetchPieceWithRetry(ctx context.Context, holders []peer.AddrInfo, infoHash, expected [32]byte, index int, degraded *degradeTracker, workerOffset int) ([]byte, error) {
	for attempt := 0; attempt < maxPieceRetries; attempt++ {
		live := degraded.liveHolders(holders)
		if len(live) == 0 {
			return nil, fmt.Errorf("%w: every holder degraded for piece %d", ErrNoHolders, index)
		}
		holder := live[(index+workerOffset+attempt)%len(live)]

		data, err := f.requestPiece(ctx, holder, infoHash, uint32(index))
		if err != nil {
			degraded.recordFailure(holder.ID)
			continue
		}
		if hashPiece(data) != expected {
			degraded.recordFailure(holder.ID)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: piece %d", ErrPieceVerification, index)
}

// reassemble writes pieces to a temp file in the shards directory,
// verifies the reassembled whole's info_hash, and atomically renames it
// into place. Never commits a file whose info_hash doesn't match.
func (f *Fetcher) reassemble(desc Record, infoHash [32]byte, pieces [][]byte) (FileInfo, error) {
	tmp, err := os.CreateTemp(f.store.dir, "download-*.tmp")
	if err != nil {
		return FileInfo{}, fmt.Errorf("shardstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	pieceHashes := make([][32]byte, len(pieces))
	for i, p := range pieces {
		if _, err := tmp.Write(p); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return FileInfo{}, fmt.Errorf("shardstore: write temp file: %w", err)
		}
		pieceHashes[i] = hashPiece(p)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return FileInfo{}, fmt.Errorf("shardstore: close temp file: %w", err)
	}

	computed := infoHashOf(desc.Filename, desc.Size, pieceHashes)
	if computed != infoHash {
		os.Remove(tmpPath)
		return FileInfo{}, fmt.Errorf("%w: expected %x, computed %x", ErrInfoHashMismatch, infoHash, computed)
	}

	finalPath := filepath.Join(f.store.dir, desc.Filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return FileInfo{}, fmt.Errorf("shardstore: rename into place: %w", err)
	}

	return FileInfo{
		InfoHash:    infoHash,
		Filename:    desc.Filename,
		Size:        desc.Size,
		PieceLength: desc.PieceLength,
		PieceHashes: pieceHashes,
		Path:        finalPath,
	}, nil
}

// degradeTracker counts per-holder piece failures during one download and
// reports which holders have crossed maxFailures (degraded, excluded from
// the live rotation) versus which are still usable.
type degradeTracker struct {
	maxFailures int
	mu          sync.Mutex
	failures    map[peer.ID]int
}

func newDegradeTracker(maxFailures int) *degradeTracker {
	return &degradeTracker{maxFailures: maxFailures, failures: make(map[peer.ID]int)}
}

func (d *degradeTracker) recordFailure(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id]++
}

func (d *degradeTracker) liveHolders(holders []peer.AddrInfo) []peer.AddrInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := make([]peer.AddrInfo, 0, len(holders))
	for _, h := range holders {
		if d.failures[h.ID] < d.maxFailures {
			live = append(live, h)
		}
	}
	return live
}

func (d *degradeTracker) snapshot() map[peer.ID]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[peer.ID]bool)
	for id, n := range d.failures {
		if n >= d.maxFailures {
			out[id] = true
		}
	}
	return out
}
