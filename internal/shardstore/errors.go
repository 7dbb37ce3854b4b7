package shardstore

import "errors"

// ErrNotLoaded is returned when a shard is requested locally but the node
// neither holds nor has fetched its file yet.
var ErrNotLoaded = errors.New("shardstore: shard not loaded")

// ErrNotAvailable is returned when no manifest entry or no holder can be
// found for a requested shard.
var ErrNotAvailable = errors.New("shardstore: shard not available")

// ErrPieceVerification is returned when a fetched piece's hash does not
// match its expected piece hash after every retry is exhausted.
var ErrPieceVerification = errors.New("shardstore: piece verification failed")

// ErrInfoHashMismatch is returned when a fully reassembled file's info_hash
// does not match the expected value.
var ErrInfoHashMismatch = errors.New("shardstore: info_hash mismatch")

// ErrNoHolders is returned when a download cannot find any provider for a
// file's info_hash.
var ErrNoHolders = errors.New("shardstore: no holders found for file")
