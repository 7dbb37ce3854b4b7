// Package dht wraps go-libp2p-kad-dht into the key/value and provider-record
// primitives the rest of the swarm is built on: a scalar, freshness-stamped
// put/get for single-writer records (a node's own capability announcement,
// a cluster's swarm-ready flag) and content-routing provide/find-providers
// for the "which peers currently serve key K" membership question (shard
// hosting, file holding) that a mutable single value cannot represent.
package dht

import (
	"encoding/binary"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// namespace must match the prefix the record.NamespacedValidator is
// registered under when constructing the DHT (see New).
const scalarNamespace = "swarm"

func wrapCID(digest [32]byte) cid.Cid {
	mh, err := multihash.Encode(digest[:], multihash.BLAKE3)
	if err != nil {
		// Encode only fails on a bad length/code pairing; both are
		// constants here, so this can't happen.
		panic(fmt.Sprintf("dht: encode multihash: %v", err))
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func wrapKey(digest [32]byte) string {
	return fmt.Sprintf("/%s/%s", scalarNamespace, string(digest[:]))
}

// ShardProviderKey is the provider-record key announcing "a node serves
// shard shardIndex of cluster": H("shard|" || cluster || "|" || shardIndex).
func ShardProviderKey(cluster string, shardIndex uint32) cid.Cid {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], shardIndex)
	buf := append([]byte("shard|"+cluster+"|"), idx[:]...)
	return wrapCID(blake3.Sum256(buf))
}

// FileKey is the provider-record key for a content-addressed file: the
// info_hash re-namespaced into the DHT's content-routing keyspace.
func FileKey(infoHash []byte) cid.Cid {
	return wrapCID(blake3.Sum256(append([]byte("file|"), infoHash...)))
}

// SwarmReadyKey is the scalar put/get key for a cluster's completeness
// flag: H("swarm|" || cluster).
func SwarmReadyKey(cluster string) string {
	return wrapKey(blake3.Sum256([]byte("swarm|" + cluster)))
}

// NodeAnnouncementKey is the scalar put/get key a node's own capability and
// shard-loaded announcement is published under. Only the owning node ever
// writes it, so it carries no multi-writer merge problem.
func NodeAnnouncementKey(cluster, nodeID string) string {
	return wrapKey(blake3.Sum256([]byte("node|" + cluster + "|" + nodeID)))
}

// ManifestKey is the scalar put/get key a cluster's shard_id→info_hash
// manifest is published under by the rendezvous node at cluster bootstrap
// (spec.md §9 Open Question 1, resolved as a distributed manifest — see
// internal/manifest). Like NodeAnnouncementKey, only the publishing
// operator ever writes it.
func ManifestKey(cluster string) string {
	return wrapKey(blake3.Sum256([]byte("manifest|" + cluster)))
}

// FileRecordKey is the scalar put/get key one holder's own file descriptor
// (filename, size, piece hashes, its own addrs) is published under for a
// given info_hash. Like NodeAnnouncementKey, only the owning holder ever
// writes its own key, so membership ("who holds info_hash") still goes
// through FileKey's provider record while the descriptor content itself
// is a plain single-writer value.
func FileRecordKey(infoHash []byte, holderPeerID string) string {
	return wrapKey(blake3.Sum256(append([]byte("filerec|"+holderPeerID+"|"), infoHash...)))
}
