// Command shardnode runs a single shard-hosting participant: it joins one
// cluster's transport (T) and DHT (D), publishes and discovers shard
// membership (S), serves the closed command set (C) against its local
// shard store (F), and answers EXECUTE_TASK/LOAD_SHARD/etc. requests from
// a pipeline coordinator.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/cmd/internal/seedaddr"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/clustergate"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/command"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/identity"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/manifest"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/metrics"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/shardstore"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/termcolor"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/watchdog"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/pkg/transport"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultConfigName = "shardnode.yaml"

func printUsage() {
	fmt.Println("Usage: shardnode [command] [--config path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (no command)    Start the shard-hosting node")
	fmt.Println("  version         Print version information")
	fmt.Println("  help            Show this help message")
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "help", "--help", "-h":
			printUsage()
			return
		case "version", "--version":
			fmt.Printf("shardnode %s (%s) built %s\n", version, commit, buildDate)
			fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return
		case "":
		default:
			if os.Args[1][0] == '-' {
				break
			}
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
			printUsage()
			os.Exit(1)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("=== shardnode (%s) ===\n", version)

	configPath, err := config.FindConfigFile("", defaultConfigName)
	if err != nil {
		log.Fatalf("Failed to locate config: %v", err)
	}
	cfg, err := config.LoadNodeConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ValidateNodeConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := config.Archive(configPath); err != nil {
		log.Printf("Warning: failed to archive config: %v", err)
	}
	termcolor.Green("Loaded configuration from %s", configPath)

	id, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		log.Fatalf("Identity error: %v", err)
	}
	fmt.Printf("Node ID: %s\n", id.String())

	m := metrics.New("shardnode", version, runtime.Version())

	var gater connmgr.ConnectionGater
	if cfg.Security.TrustedPeersFile != "" {
		trusted, err := clustergate.LoadTrustedPeers(cfg.Security.TrustedPeersFile)
		if err != nil {
			log.Fatalf("Failed to load trusted_peers: %v", err)
		}
		termcolor.Green("Loaded %d trusted peer(s) from %s", len(trusted), cfg.Security.TrustedPeersFile)
		gater = clustergate.New(trusted)
	} else {
		termcolor.Yellow("trusted_peers_file not set — any peer may connect")
	}

	tr, err := transport.New(transport.Config{
		Priv:          id.Priv,
		ListenAddrs:   cfg.Network.ListenAddresses,
		DialSubstrate: transport.Substrate(cfg.Network.Transport),
		Gater:         gater,
		Metrics:       m,
	})
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}
	defer tr.Close()

	connMgr := transport.NewConnectionManager(tr, cfg.Cluster, m)
	connMgr.Start(ctx)
	defer connMgr.Close()

	seeds, err := seedaddr.Parse(cfg.Network.BootstrapAddr)
	if err != nil {
		log.Fatalf("Invalid bootstrap_addr: %v", err)
	}

	d, err := dht.New(ctx, dht.Config{
		Host:           tr.Host(),
		Cluster:        cfg.Cluster,
		BootstrapPeers: seeds,
	})
	if err != nil {
		log.Fatalf("Failed to start DHT: %v", err)
	}
	defer d.Close()
	if err := d.Bootstrap(ctx, seeds); err != nil {
		log.Printf("Warning: DHT bootstrap: %v", err)
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, cfg.Timing.DHTQueryTimeout)
	man, err := manifest.Fetch(bootstrapCtx, d, cfg.Cluster, 0)
	bootstrapCancel()
	if err != nil {
		log.Fatalf("Failed to fetch cluster manifest: %v", err)
	}
	if man.ModelName != cfg.Shard.ModelName || man.TotalShards != cfg.Shard.TotalShards {
		log.Fatalf("manifest mismatch: config names model=%s/shards=%d, manifest says model=%s/shards=%d",
			cfg.Shard.ModelName, cfg.Shard.TotalShards, man.ModelName, man.TotalShards)
	}
	termcolor.Green("Fetched manifest for cluster %q (%d shards)", cfg.Cluster, man.TotalShards)

	store := shardstore.New(cfg.Shard.ShardsDir, cfg.Cluster, tr.Host(), d)
	store.SetManifest(man.ToShardMapping())
	store.Fetcher().ParityShards = cfg.Shard.ParityShards
	store.Start()
	defer store.Close()
	if err := store.Scan(); err != nil {
		log.Fatalf("Failed to scan shards_dir: %v", err)
	}

	backend := newShardBackend(store, cfg.Shard.ShardsDir, cfg.Shard.ModelName, cfg.Shard.ShardID, cfg.Shard.TotalShards)

	engine := command.NewEngine(tr.Host(), cfg.Cluster, cfg.Shard.TotalShards, backend)
	engine.Start()
	defer engine.Close()

	disc := discovery.New(discovery.Config{
		DHT:              d,
		Cluster:          cfg.Cluster,
		SelfID:           tr.PeerID().String(),
		Freshness:        cfg.Timing.FreshnessWindow,
		AnnounceInterval: cfg.Timing.AnnounceInterval,
		Weights:          cfg.Weights,
	})

	if _, err := backend.LoadShard(ctx, cfg.Shard.ShardID); err != nil {
		log.Printf("Warning: could not eagerly load own shard %d: %v", cfg.Shard.ShardID, err)
	}
	if err := store.Announce(ctx); err != nil {
		log.Printf("Warning: initial shard announce: %v", err)
	}

	go disc.RunAnnounceLoop(ctx, cfg.Shard.ShardID, cfg.Shard.TotalShards, cfg.Shard.TotalLayers,
		tr.Addrs(), backend.Capabilities, func() bool { return backend.Status().SwarmReady }, 1)
	go disc.RunQueryLoop(ctx, cfg.Shard.TotalShards)

	if cfg.Telemetry.Metrics.Enabled {
		addr := cfg.Telemetry.Metrics.ListenAddress
		if addr == "" {
			addr = "127.0.0.1:9091"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
		fmt.Printf("Metrics: http://%s/metrics\n", addr)
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				peers := tr.Host().Network().Peers()
				fmt.Printf("--- shard %d/%d, %d connected peer(s) ---\n", cfg.Shard.ShardID, cfg.Shard.TotalShards, len(peers))
			}
		}
	}()

	watchdog.Ready()
	go watchdog.Run(ctx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
		{
			Name: "dht-routing-table",
			Check: func() error {
				if d.RoutingTableSize() == 0 {
					return fmt.Errorf("empty routing table")
				}
				return nil
			},
		},
		{
			Name: "shard-loaded",
			Check: func() error {
				if !backend.Status().SwarmReady {
					return fmt.Errorf("shard %d not loaded", cfg.Shard.ShardID)
				}
				return nil
			},
		},
	})

	termcolor.Green("shardnode running — shard %d/%d of %q", cfg.Shard.ShardID, cfg.Shard.TotalShards, cfg.Cluster)
	fmt.Println("Press Ctrl+C to stop.")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	watchdog.Stopping()
	fmt.Println("Shutting down...")
	cancel()
}
