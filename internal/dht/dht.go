package dht

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	librecord "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ErrNotFound is returned by Get when no record exists, or the only record
// found is older than the requested freshness window.
var ErrNotFound = errors.New("dht: record not found or stale")

// Config configures the node's DHT participant.
type Config struct {
	Host    host.Host
	Cluster string
	// BootstrapPeers are dialed, then used to seed the initial routing
	// table lookup. Empty on the rendezvous node itself.
	BootstrapPeers []peer.AddrInfo
}

// DHT wraps a go-libp2p-kad-dht IpfsDHT with the swarm's key construction,
// record envelope, and quorum/freshness semantics layered on top.
type DHT struct {
	idht    *kaddht.IpfsDHT
	host    host.Host
	cluster string
}

// New constructs and starts a DHT participant in server mode (every node
// holds routing-table and record responsibilities; there is no designated
// client-only role in this swarm).
func New(ctx context.Context, cfg Config) (*DHT, error) {
	if cfg.Host == nil {
		return nil, errors.New("dht: Host is required")
	}
	store := dssync.MutexWrap(ds.NewMapDatastore())
	opts := []kaddht.Option{
		kaddht.Mode(kaddht.ModeServer),
		kaddht.Datastore(store),
		kaddht.ProtocolPrefix(protocol.ID("/swarm/" + cfg.Cluster)),
		kaddht.Validator(librecord.NamespacedValidator{
			scalarNamespace: validator{},
		}),
		kaddht.BootstrapPeers(cfg.BootstrapPeers...),
	}
	idht, err := kaddht.New(ctx, cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("dht: construct: %w", err)
	}
	return &DHT{idht: idht, host: cfg.Host, cluster: cfg.Cluster}, nil
}

// Bootstrap dials every seed address, starts the DHT's periodic table
// refresh, and forces one synchronous self-lookup so the routing table is
// populated before the caller publishes or queries anything.
func (d *DHT) Bootstrap(ctx context.Context, seeds []peer.AddrInfo) error {
	for _, s := range seeds {
		if err := d.host.Connect(ctx, s); err != nil {
			slog.Warn("dht: bootstrap peer unreachable", "peer", s.ID, "err", err)
			continue
		}
	}
	if err := d.idht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("dht: bootstrap: %w", err)
	}
	if _, err := d.idht.GetClosestPeers(ctx, string(d.host.ID())); err != nil {
		return fmt.Errorf("dht: self-lookup: %w", err)
	}
	return nil
}

// PutResult reports whether a Put reached enough peers to call the write
// durable under the caller's replication requirement.
type PutResult struct {
	Ok                bool
	ConfirmedReplicas int
	RequiredReplicas  int
}

// Put writes payload under key, attributed to this node, after confirming
// at least requiredReplicas peers are known to be closest to the key. A
// requiredReplicas of 0 skips the precheck and always attempts the write.
func (d *DHT) Put(ctx context.Context, key string, payload []byte, requiredReplicas int) (PutResult, error) {
	if requiredReplicas > 0 {
		closest, err := d.idht.GetClosestPeers(ctx, key)
		if err != nil {
			return PutResult{RequiredReplicas: requiredReplicas}, fmt.Errorf("dht: find closest peers: %w", err)
		}
		if len(closest) < requiredReplicas {
			return PutResult{Ok: false, ConfirmedReplicas: len(closest), RequiredReplicas: requiredReplicas}, nil
		}
	}

	data, err := encodeEnvelope(d.host.ID().String(), payload)
	if err != nil {
		return PutResult{RequiredReplicas: requiredReplicas}, fmt.Errorf("dht: encode record: %w", err)
	}
	if err := d.idht.PutValue(ctx, key, data); err != nil {
		return PutResult{Ok: false, RequiredReplicas: requiredReplicas}, fmt.Errorf("dht: put value: %w", err)
	}

	confirmed := requiredReplicas
	if closest, err := d.idht.GetClosestPeers(ctx, key); err == nil {
		confirmed = len(closest)
	}
	return PutResult{Ok: true, ConfirmedReplicas: confirmed, RequiredReplicas: requiredReplicas}, nil
}

// Get reads the value at key and rejects it as ErrNotFound if its publish
// timestamp falls outside freshness (freshness <= 0 disables the check).
func (d *DHT) Get(ctx context.Context, key string, freshness time.Duration) (Record, error) {
	data, err := d.idht.GetValue(ctx, key)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		return Record{}, err
	}
	ts := time.Unix(env.Timestamp, 0)
	if freshness > 0 && time.Since(ts) > freshness {
		return Record{}, fmt.Errorf("%w: record from %s older than window %s", ErrNotFound, ts, freshness)
	}
	return Record{Publisher: env.Publisher, Timestamp: ts, Payload: env.Payload}, nil
}

// Provide announces this node as a holder of key (a shard or a file),
// broadcasting to the DHT so FindProviders elsewhere can discover it.
func (d *DHT) Provide(ctx context.Context, key cid.Cid) error {
	if err := d.idht.Provide(ctx, key, true); err != nil {
		return fmt.Errorf("dht: provide: %w", err)
	}
	return nil
}

// FindProviders collects up to count peers currently providing key. It
// blocks until the underlying search completes or ctx is done, merging
// whatever distinct publishers the DHT surfaces along the way — the
// provider-record mechanism is inherently multi-valued, unlike Put/Get.
func (d *DHT) FindProviders(ctx context.Context, key cid.Cid, count int) ([]peer.AddrInfo, error) {
	ch := d.idht.FindProvidersAsync(ctx, key, count)
	providers := make([]peer.AddrInfo, 0, count)
	for {
		select {
		case ai, ok := <-ch:
			if !ok {
				return providers, nil
			}
			providers = append(providers, ai)
		case <-ctx.Done():
			return providers, ctx.Err()
		}
	}
}

// RoutingTableSize reports how many peers this node currently knows about,
// used by health checks to tell "just booted" from "isolated".
func (d *DHT) RoutingTableSize() int {
	return d.idht.RoutingTable().Size()
}

// Close shuts down the DHT's background loops.
func (d *DHT) Close() error {
	return d.idht.Close()
}
