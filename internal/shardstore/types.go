// Package shardstore implements F: content-addressed shard storage and
// piece-based bulk transfer. A node scans its shards directory into
// FileInfo descriptors, announces each one to D, and fetches files it
// lacks piece-by-piece from holders discovered through D, verifying every
// piece and the reassembled whole against BLAKE3 hashes before committing
// anything to disk.
package shardstore

import "time"

// PieceSize is the fixed piece length every file is divided into, per
// spec.md §4.6.
const PieceSize = 64 * 1024

// FileInfo is a torrent-style descriptor of one locally-held shard file:
// its content address, name, size, and the ordered hash of every piece.
// Immutable once computed — a changed file gets a new info hash, not an
// updated FileInfo.
type FileInfo struct {
	InfoHash    [32]byte
	Filename    string
	Size        int64
	PieceLength int64
	PieceHashes [][32]byte
	Path        string
}

// NumPieces reports how many pieces Size divides into at PieceLength.
func (fi FileInfo) NumPieces() int {
	n := fi.Size / fi.PieceLength
	if fi.Size%fi.PieceLength != 0 {
		n++
	}
	return int(n)
}

// Record is the wire/DHT form of a FileInfo as announced by one holder,
// matching spec.md §4.6's `{filename, size, piece_length, piece_hashes,
// holder_peer_id, holder_addrs, timestamp}` content-descriptor shape.
type Record struct {
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	PieceLength  int64     `json:"piece_length"`
	PieceHashes  [][]byte  `json:"piece_hashes"`
	HolderPeerID string    `json:"holder_peer_id"`
	HolderAddrs  []string  `json:"holder_addrs"`
	Timestamp    time.Time `json:"timestamp"`
}
