package shardstore

import (
	"context"
	"fmt"
	"os"

	"github.com/klauspost/reedsolomon"
	"github.com/libp2p/go-libp2p/core/peer"
)

// EnsureParity computes and caches parityShards Reed-Solomon parity pieces
// for fi, reading its data pieces back off disk. A no-op if parity for
// this info_hash is already cached. This is the encode side of
// SPEC_FULL.md §4.6's additive parity path: computed once at announce
// time, served to downloaders the same way a data piece is.
func (f *Fetcher) EnsureParity(fi FileInfo) error {
	if f.ParityShards <= 0 {
		return nil
	}
	f.parityMu.RLock()
	_, ok := f.parityCache[fi.InfoHash]
	f.parityMu.RUnlock()
	if ok {
		return nil
	}

	data, err := os.ReadFile(fi.Path)
	if err != nil {
		return fmt.Errorf("shardstore: read file for parity: %w", err)
	}
	numData := fi.NumPieces()
	shards := make([][]byte, numData+f.ParityShards)
	for i := 0; i < numData; i++ {
		shard := make([]byte, fi.PieceLength)
		start := int64(i) * fi.PieceLength
		end := start + fi.PieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		copy(shard, data[start:end])
		shards[i] = shard
	}
	for i := numData; i < len(shards); i++ {
		shards[i] = make([]byte, fi.PieceLength)
	}

	enc, err := reedsolomon.New(numData, f.ParityShards)
	if err != nil {
		return fmt.Errorf("shardstore: new reedsolomon encoder: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("shardstore: encode parity: %w", err)
	}

	f.parityMu.Lock()
	f.parityCache[fi.InfoHash] = shards[numData:]
	f.parityMu.Unlock()
	return nil
}

func (f *Fetcher) parityFor(infoHash [32]byte) ([][]byte, bool) {
	f.parityMu.RLock()
	defer f.parityMu.RUnlock()
	p, ok := f.parityCache[infoHash]
	return p, ok
}

// reconstructWithParity attempts to recover the pieces listed in missing
// using Reed-Solomon decoding: it pads every successfully-downloaded data
// piece, fetches ParityShards parity pieces from holders, and asks
// reedsolomon to rebuild the rest. Only attempted after the plain
// retry-per-piece path has given up on every live holder for those
// indices (spec.md §4.6 step 5 always runs first).
func (f *Fetcher) reconstructWithParity(ctx context.Context, infoHash [32]byte, desc Record, pieces [][]byte, missing []int, holders []peer.AddrInfo, degraded *degradeTracker) error {
	numData := len(pieces)
	total := numData + f.ParityShards
	shards := make([][]byte, total)
	for i, p := range pieces {
		if p == nil {
			continue
		}
		padded := make([]byte, desc.PieceLength)
		copy(padded, p)
		shards[i] = padded
	}

	for pi := 0; pi < f.ParityShards; pi++ {
		data, err := f.fetchAnyHolderPiece(ctx, holders, infoHash, uint32(numData+pi), degraded)
		if err != nil {
			continue
		}
		shards[numData+pi] = data
	}

	enc, err := reedsolomon.New(numData, f.ParityShards)
	if err != nil {
		return fmt.Errorf("shardstore: new reedsolomon decoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("shardstore: reconstruct: %w", err)
	}

	for _, idx := range missing {
		actualLen := desc.PieceLength
		if idx == numData-1 {
			actualLen = desc.Size - int64(idx)*desc.PieceLength
		}
		pieces[idx] = shards[idx][:actualLen]
	}
	return nil
}

// fetchAnyHolderPiece requests piece index from each live holder in turn
// until one succeeds, used for parity pieces which aren't individually
// hash-checked against piece_hashes (the final info_hash check after
// reconstruction is what catches corruption).
func (f *Fetcher) fetchAnyHolderPiece(ctx context.Context, holders []peer.AddrInfo, infoHash [32]byte, index uint32, degraded *degradeTracker) ([]byte, error) {
	for _, holder := range degraded.liveHolders(holders) {
		data, err := f.requestPiece(ctx, holder, infoHash, index)
		if err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("shardstore: no holder served parity piece %d", index)
}
