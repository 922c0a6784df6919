package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordBuildAttempt("success")
	m.RecordFix("kill_process", "library")
	m.RecordTick("disk_space", true)
	m.SetMemoryEntries(1, 2, 3)
	m.RecordAuditDrop()
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.RecordBuildAttempt("failure")
	m.RecordBuildAttempt("failure")
	m.RecordBuildAttempt("success")
	if got := testutil.ToFloat64(m.BuildAttempts.WithLabelValues("failure")); got != 2 {
		t.Errorf("build_attempts_total{outcome=failure} = %v, want 2", got)
	}

	m.RecordTick("disk_space", false)
	if got := testutil.ToFloat64(m.MonitorTicks.WithLabelValues("disk_space", "false")); got != 1 {
		t.Errorf("monitor_ticks_total{healthy=false} = %v, want 1", got)
	}

	m.SetMemoryEntries(4, 2, 1)
	if got := testutil.ToFloat64(m.MemoryEntries.WithLabelValues("deprecated")); got != 1 {
		t.Errorf("memory_entries{state=deprecated} = %v, want 1", got)
	}

	if n, err := testutil.GatherAndCount(m.Registry); err != nil || n == 0 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}

func TestNilTracer(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartSpan(context.Background(), "probe")
	span.End()
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
}
