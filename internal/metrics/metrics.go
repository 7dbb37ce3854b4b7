// Package metrics holds the Prometheus metric families exported by every
// binary in this module. Each process builds its own isolated registry —
// metrics never register against prometheus's global default registry, so
// multiple nodes can run in the same test binary without collector
// collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every custom metric family this module exports.
type Metrics struct {
	Registry *prometheus.Registry

	// Transport (T)
	DialTotal           *prometheus.CounterVec
	DialDurationSeconds *prometheus.HistogramVec
	ConnectedPeers      *prometheus.GaugeVec
	PingRTTSeconds      *prometheus.HistogramVec
	KeepaliveFailTotal  *prometheus.CounterVec
	ReconnectTotal      *prometheus.CounterVec

	// DHT (D)
	DHTPutTotal *prometheus.CounterVec
	DHTGetTotal *prometheus.CounterVec

	// Discovery (S)
	AnnounceTotal     *prometheus.CounterVec
	KnownShardsGauge  *prometheus.GaugeVec
	ShardSelectionDur *prometheus.HistogramVec

	// Pipeline (P)
	PipelineStageTotal    *prometheus.CounterVec
	PipelineStageDuration *prometheus.HistogramVec
	PipelineTotal         *prometheus.CounterVec
	PipelineDuration      *prometheus.HistogramVec

	// Command engine (C)
	CommandsTotal           *prometheus.CounterVec
	CommandValidationErrors *prometheus.CounterVec

	// Shard transfer (F)
	PieceVerifyTotal  *prometheus.CounterVec
	DownloadTotal     *prometheus.CounterVec
	DownloadDuration  *prometheus.HistogramVec
	ParityReconstruct *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// New builds a Metrics instance with every collector registered on a fresh,
// isolated registry. version and goVersion are recorded as labels on the
// build-info gauge.
func New(component, version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		DialTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_dial_total",
				Help: "Total number of outbound dial attempts by substrate and result.",
			},
			[]string{"substrate", "result"},
		),
		DialDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_dial_duration_seconds",
				Help:    "Duration of outbound dial attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"substrate"},
		),
		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_connected_peers",
				Help: "Number of currently open connections by substrate.",
			},
			[]string{"substrate"},
		),
		PingRTTSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_ping_rtt_seconds",
				Help:    "Keepalive ping round-trip time in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"result"},
		),
		KeepaliveFailTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_keepalive_fail_total",
				Help: "Total number of connections closed due to keepalive failure.",
			},
			[]string{},
		),
		ReconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_reconnect_total",
				Help: "Total number of reconnection attempts by result.",
			},
			[]string{"result"},
		),

		DHTPutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_dht_put_total",
				Help: "Total number of DHT put operations by result.",
			},
			[]string{"result"},
		),
		DHTGetTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_dht_get_total",
				Help: "Total number of DHT get operations by result.",
			},
			[]string{"result"},
		),

		AnnounceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_announce_total",
				Help: "Total number of shard announcements sent, by result.",
			},
			[]string{"result"},
		),
		KnownShardsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_known_shards",
				Help: "Number of distinct announcements currently held per shard index.",
			},
			[]string{"cluster", "shard_index"},
		),
		ShardSelectionDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_shard_selection_duration_seconds",
				Help:    "Time spent computing best-node selection for a shard.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cluster"},
		),

		PipelineStageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_pipeline_stage_total",
				Help: "Total number of pipeline stage completions by outcome.",
			},
			[]string{"outcome"},
		),
		PipelineStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_pipeline_stage_duration_seconds",
				Help:    "Duration of a single pipeline stage in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"shard_id"},
		),
		PipelineTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_pipeline_total",
				Help: "Total number of completed pipelines by outcome.",
			},
			[]string{"outcome"},
		),
		PipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_pipeline_duration_seconds",
				Help:    "End-to-end pipeline duration in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"cluster"},
		),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_commands_total",
				Help: "Total number of commands processed by name and status.",
			},
			[]string{"command", "status"},
		),
		CommandValidationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_command_validation_errors_total",
				Help: "Total number of commands rejected by structural validation.",
			},
			[]string{"command"},
		),

		PieceVerifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_piece_verify_total",
				Help: "Total number of piece verifications by result.",
			},
			[]string{"result"},
		),
		DownloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_download_total",
				Help: "Total number of shard file downloads by result.",
			},
			[]string{"result"},
		),
		DownloadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarm_download_duration_seconds",
				Help:    "Duration of a complete shard file download in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
			},
			[]string{},
		),
		ParityReconstruct: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarm_parity_reconstruct_total",
				Help: "Total number of Reed-Solomon parity reconstructions attempted, by result.",
			},
			[]string{"result"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarm_info",
				Help: "Build information for the running process.",
			},
			[]string{"component", "version", "go_version"},
		),
	}

	reg.MustRegister(
		m.DialTotal, m.DialDurationSeconds, m.ConnectedPeers, m.PingRTTSeconds,
		m.KeepaliveFailTotal, m.ReconnectTotal,
		m.DHTPutTotal, m.DHTGetTotal,
		m.AnnounceTotal, m.KnownShardsGauge, m.ShardSelectionDur,
		m.PipelineStageTotal, m.PipelineStageDuration, m.PipelineTotal, m.PipelineDuration,
		m.CommandsTotal, m.CommandValidationErrors,
		m.PieceVerifyTotal, m.DownloadTotal, m.DownloadDuration, m.ParityReconstruct,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(component, version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
