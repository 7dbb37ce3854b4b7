// Command coordinator runs a pipeline coordinator (P): it joins one
// cluster's transport (T) and DHT (D) as a non-shard-hosting participant,
// tracks shard membership via S, and exposes POST /v1/infer, which
// assembles an ordered EXECUTE_TASK chain across the cluster's current
// shard holders and returns the decoded result.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub001/cmd/internal/seedaddr"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/command"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/dht"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/discovery"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/identity"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/metrics"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/pipeline"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/reputation"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/termcolor"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/internal/watchdog"
	"github.com/danieljamesbertrand/swarm-in-progress-sub001/pkg/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultConfigName = "coordinator.yaml"

func printUsage() {
	fmt.Println("Usage: coordinator [command] [--config path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (no command)    Start the pipeline coordinator")
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
			fmt.Printf("coordinator %s (%s) built %s\n", version, commit, buildDate)
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

	fmt.Printf("=== coordinator (%s) ===\n", version)

	configPath, err := config.FindConfigFile("", defaultConfigName)
	if err != nil {
		log.Fatalf("Failed to locate config: %v", err)
	}
	cfg, err := config.LoadCoordinatorConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ValidateCoordinatorConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := config.Archive(configPath); err != nil {
		log.Printf("Warning: failed to archive config: %v", err)
	}
	termcolor.Green("Loaded configuration from %s", configPath)

	strategy, err := strategyFromConfig(cfg.Pipeline.Strategy)
	if err != nil {
		log.Fatalf("Invalid pipeline.strategy: %v", err)
	}

	id, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		log.Fatalf("Identity error: %v", err)
	}
	fmt.Printf("Node ID: %s\n", id.String())

	m := metrics.New("coordinator", version, runtime.Version())

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

	disc := discovery.New(discovery.Config{
		DHT:              d,
		Cluster:          cfg.Cluster,
		SelfID:           tr.PeerID().String(),
		Freshness:        cfg.Timing.FreshnessWindow,
		AnnounceInterval: cfg.Timing.AnnounceInterval,
		Weights:          cfg.Weights,
	})
	go disc.RunQueryLoop(ctx, cfg.TotalShards)

	// The coordinator never serves the closed command set itself — it only
	// calls Send — so it is constructed without installing a stream
	// handler (Start is never called) and needs no real Backend.
	engine := command.NewEngine(tr.Host(), cfg.Cluster, cfg.TotalShards, nil)

	rep := reputation.New(ctx)
	defer rep.Close()

	coord := pipeline.New(pipeline.Config{
		Discovery:          disc,
		Engine:             engine,
		Reputation:         rep,
		Metrics:            m,
		Cluster:            cfg.Cluster,
		ModelName:          cfg.ModelName,
		TotalShards:        cfg.TotalShards,
		TotalLayers:        cfg.TotalLayers,
		StageTimeout:       cfg.Pipeline.StageTimeout,
		StageRetries:       cfg.Pipeline.StageRetries,
		NodeStartupTimeout: cfg.Pipeline.NodeStartupTimeout,
		SingleNodeMemBytes: cfg.Pipeline.SingleNodeMemBytes,
	})

	// command.Engine.Send opens a stream over an existing connection; it
	// never dials. runConnectLoop keeps the coordinator's host connected to
	// whichever node currently serves each shard so Submit's EXECUTE_TASK
	// calls always have a live connection to use.
	go runConnectLoop(ctx, disc, connMgr, cfg.TotalShards, cfg.Timing.AnnounceInterval)

	mux := http.NewServeMux()
	mux.Handle("/v1/infer", &inferHandler{coord: coord, strategy: strategy, modelName: cfg.ModelName})
	httpSrv := &http.Server{Addr: cfg.HTTPListenAddress, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
		}
	}()
	defer httpSrv.Close()
	termcolor.Green("Inference ingress: http://%s/v1/infer", cfg.HTTPListenAddress)

	if cfg.Telemetry.Metrics.Enabled {
		addr := cfg.Telemetry.Metrics.ListenAddress
		if addr == "" {
			addr = "127.0.0.1:9091"
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		metricsSrv := &http.Server{Addr: addr, Handler: metricsMux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer metricsSrv.Close()
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
				fmt.Printf("--- cluster %q, pipeline complete=%v, %d connected peer(s) ---\n",
					cfg.Cluster, disc.IsComplete(cfg.TotalShards), len(tr.Host().Network().Peers()))
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
			Name: "http-ingress",
			Check: func() error {
				conn, err := (&net.Dialer{Timeout: time.Second}).Dial("tcp", cfg.HTTPListenAddress)
				if err != nil {
					return err
				}
				return conn.Close()
			},
		},
	})

	termcolor.Green("coordinator running — cluster %q, model %q, %d shard(s)", cfg.Cluster, cfg.ModelName, cfg.TotalShards)
	fmt.Println("Press Ctrl+C to stop.")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	watchdog.Stopping()
	fmt.Println("Shutting down...")
	cancel()
}
