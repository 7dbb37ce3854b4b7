package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	m := New("shardnode", "0.1.0", "go1.24.0")
	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
	}
}

func TestMetricsIsolation(t *testing.T) {
	m1 := New("shardnode", "0.1.0", "go1.24.0")
	m2 := New("shardnode", "0.2.0", "go1.24.0")

	m1.DialTotal.WithLabelValues("quic", "success").Inc()

	families, err := m2.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "swarm_dial_total" {
			for _, metric := range f.GetMetric() {
				if metric.GetCounter().GetValue() != 0 {
					t.Error("m2 registry saw m1 counter value; registries are not isolated")
				}
			}
		}
	}
}

func TestMetricsCounters(t *testing.T) {
	m := New("shardnode", "test", "go1.24.0")

	m.DialTotal.WithLabelValues("quic", "success").Inc()
	m.DialDurationSeconds.WithLabelValues("quic").Observe(0.2)
	m.PingRTTSeconds.WithLabelValues("success").Observe(0.01)
	m.DHTPutTotal.WithLabelValues("ok").Inc()
	m.DHTGetTotal.WithLabelValues("not_found").Inc()
	m.AnnounceTotal.WithLabelValues("ok").Inc()
	m.PipelineStageTotal.WithLabelValues("completed").Inc()
	m.CommandsTotal.WithLabelValues("EXECUTE_TASK", "ok").Inc()
	m.PieceVerifyTotal.WithLabelValues("ok").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	expected := map[string]bool{
		"swarm_dial_total":             false,
		"swarm_dial_duration_seconds":  false,
		"swarm_ping_rtt_seconds":       false,
		"swarm_dht_put_total":          false,
		"swarm_dht_get_total":          false,
		"swarm_announce_total":         false,
		"swarm_pipeline_stage_total":   false,
		"swarm_commands_total":         false,
		"swarm_piece_verify_total":     false,
		"swarm_info":                   false,
	}

	for _, f := range families {
		if _, ok := expected[f.GetName()]; ok {
			expected[f.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric family %q not found in gathered output", name)
		}
	}
}

func TestMetricsBuildInfo(t *testing.T) {
	m := New("coordinator", "1.2.3", "go1.24.0")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, f := range families {
		if f.GetName() != "swarm_info" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetGauge().GetValue() != 1 {
				t.Errorf("build info gauge value = %f, want 1", metric.GetGauge().GetValue())
			}
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["component"] != "coordinator" {
				t.Errorf("component label = %q, want %q", labels["component"], "coordinator")
			}
			if labels["version"] != "1.2.3" {
				t.Errorf("version label = %q, want %q", labels["version"], "1.2.3")
			}
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New("shardnode", "0.1.0", "go1.24.0")
	m.DHTPutTotal.WithLabelValues("ok").Inc()

	handler := m.Handler()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("handler returned status %d, want 200", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	output := string(body)

	if !strings.Contains(output, "swarm_dht_put_total") {
		t.Error("handler output missing swarm_dht_put_total")
	}
	if !strings.Contains(output, "swarm_info") {
		t.Error("handler output missing swarm_info")
	}
	if !strings.Contains(output, "go_goroutines") {
		t.Error("handler output missing go_goroutines (Go runtime collector)")
	}
}

func TestMetricsRegistryDoesNotUseGlobal(t *testing.T) {
	m := New("shardnode", "test", "go1.24.0")

	if m.Registry == prometheus.DefaultRegisterer {
		t.Error("Metrics registry is the global DefaultRegisterer; should be isolated")
	}
}
