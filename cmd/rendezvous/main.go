// Command rendezvous runs the well-known bootstrap node: it joins the
// transport (T) and DHT (D) only, never a cluster's pipeline, and
// optionally publishes each configured cluster's manifest into D at
// startup so shard nodes and coordinators have a seed to bootstrap from.
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

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/cmd/internal/seedaddr"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/identity"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/manifest"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/metrics"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/termcolor"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/watchdog"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/pkg/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultConfigName = "rendezvous.yaml"

func printUsage() {
	fmt.Println("Usage: rendezvous [command] [--config path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (no command)    Start the rendezvous node")
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
			fmt.Printf("rendezvous %s (%s) built %s\n", version, commit, buildDate)
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

	fmt.Printf("=== rendezvous (%s) ===\n", version)

	configPath, err := config.FindConfigFile("", defaultConfigName)
	if err != nil {
		log.Fatalf("Failed to locate config: %v", err)
	}
	cfg, err := config.LoadRendezvousConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ValidateRendezvousConfig(cfg); err != nil {
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

	m := metrics.New("rendezvous", version, runtime.Version())

	tr, err := transport.New(transport.Config{
		Priv:          id.Priv,
		ListenAddrs:   cfg.Network.ListenAddresses,
		DialSubstrate: transport.Substrate(cfg.Network.Transport),
		Metrics:       m,
	})
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}
	defer tr.Close()

	seeds, err := seedaddr.Parse(cfg.Network.BootstrapAddr)
	if err != nil {
		log.Fatalf("Invalid bootstrap_addr: %v", err)
	}

	// rendezvous participates in D once per configured cluster namespace —
	// each gets its own DHT instance since D's protocol ID and record
	// namespace are scoped per cluster.
	dhts := make(map[string]*dht.DHT, len(cfg.Clusters))
	for _, cl := range cfg.Clusters {
		d, err := dht.New(ctx, dht.Config{
			Host:           tr.Host(),
			Cluster:        cl.Name,
			BootstrapPeers: seeds,
		})
		if err != nil {
			log.Fatalf("Failed to start DHT for cluster %q: %v", cl.Name, err)
		}
		defer d.Close()
		if err := d.Bootstrap(ctx, seeds); err != nil {
			log.Printf("Warning: DHT bootstrap for cluster %q: %v", cl.Name, err)
		}
		dhts[cl.Name] = d
		termcolor.Green("Joined D for cluster %q", cl.Name)

		if cl.ManifestFile == "" {
			continue
		}
		man, err := manifest.Load(cl.ManifestFile)
		if err != nil {
			log.Fatalf("Failed to load manifest %s: %v", cl.ManifestFile, err)
		}
		publishCtx, publishCancel := context.WithTimeout(ctx, 30*time.Second)
		err = manifest.Publish(publishCtx, d, man, 1)
		publishCancel()
		if err != nil {
			log.Fatalf("Failed to publish manifest for cluster %q: %v", cl.Name, err)
		}
		termcolor.Green("Published manifest for cluster %q (%d shards)", cl.Name, man.TotalShards)
	}

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
				fmt.Printf("--- rendezvous, %d connected peer(s), %d cluster(s) ---\n",
					len(tr.Host().Network().Peers()), len(dhts))
			}
		}
	}()

	watchdog.Ready()
	go watchdog.Run(ctx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
		{
			Name: "dht-routing-tables",
			Check: func() error {
				for name, d := range dhts {
					if d.RoutingTableSize() == 0 {
						return fmt.Errorf("cluster %q: empty routing table", name)
					}
				}
				return nil
			},
		},
	})

	termcolor.Green("rendezvous running — %d cluster(s)", len(dhts))
	fmt.Println("Press Ctrl+C to stop.")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	watchdog.Stopping()
	fmt.Println("Shutting down...")
	cancel()
}
