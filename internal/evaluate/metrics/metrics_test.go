package metrics_test

import (
	"errors"
	"testing"
	"time"

	"protoeval/internal/evaluate/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveJob("completed", 2*time.Second)
	m.ObserveTool("analyzer", "success", time.Second)
	m.ObserveEnvironment("opentrons-8.7.0", errors.New("boom"), time.Minute)
	m.SetPending(3)
	m.ObserveSubmission("accepted")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
	}
	for _, name := range []string{
		"protoeval_jobs_finished_total",
		"protoeval_tool_runs_total",
		"protoeval_environment_ensure_total",
		"protoeval_pending_jobs",
		"protoeval_submissions_total",
	} {
		if !found[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveJob("failed", time.Second)
	m.ObserveTool("simulator", "timeout", time.Second)
	m.ObserveEnvironment("x", nil, time.Second)
	m.SetPending(1)
	m.ObserveSubmission("rejected")
}
