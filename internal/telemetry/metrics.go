package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the remediation engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	BuildAttempts    *prometheus.CounterVec
	FixesApplied     *prometheus.CounterVec
	Escalations      *prometheus.CounterVec
	ProbeIssues      *prometheus.CounterVec
	ProbeDuration    prometheus.Histogram
	MonitorTicks     *prometheus.CounterVec
	MonitorRepairs   *prometheus.CounterVec
	MonitorFaults    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	MemoryEntries    *prometheus.GaugeVec
	AuditDropped     prometheus.Counter
	RequestsInFlight prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		BuildAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "build_attempts_total",
				Help:      "Build attempts made by the supervisor, by outcome.",
			},
			[]string{"outcome"},
		),

		FixesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "fixes_applied_total",
				Help:      "Fixes applied, by fix name and where the fix came from (memory, library, probe).",
			},
			[]string{"fix", "source"},
		),

		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "escalations_total",
				Help:      "Supervisor runs handed off to a human, by reason.",
			},
			[]string{"reason"},
		),

		ProbeIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "probe_issues_total",
				Help:      "Issues reported by pre-flight checks.",
			},
			[]string{"check", "severity"},
		),

		ProbeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "remedy",
				Name:      "probe_duration_seconds",
				Help:      "Wall time of a full pre-flight probe.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		MonitorTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "monitor_ticks_total",
				Help:      "Guardian monitor ticks by health outcome.",
			},
			[]string{"monitor", "healthy"},
		),

		MonitorRepairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "monitor_repairs_total",
				Help:      "Repair invocations made by guardian monitors.",
			},
			[]string{"monitor"},
		),

		MonitorFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "monitor_faults_total",
				Help:      "Panics or errors recovered at the monitor tick boundary.",
			},
			[]string{"monitor"},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "remedy",
				Name:      "command_duration_seconds",
				Help:      "Duration of external commands run by the engine.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),

		MemoryEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "remedy",
				Name:      "memory_entries",
				Help:      "Repair memory entries by state (trusted, learning, deprecated).",
			},
			[]string{"state"},
		),

		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "remedy",
				Name:      "audit_dropped_total",
				Help:      "Audit records dropped because the durable writer buffer was full.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "remedy",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.BuildAttempts,
		m.FixesApplied,
		m.Escalations,
		m.ProbeIssues,
		m.ProbeDuration,
		m.MonitorTicks,
		m.MonitorRepairs,
		m.MonitorFaults,
		m.CommandDuration,
		m.MemoryEntries,
		m.AuditDropped,
		m.RequestsInFlight,
	)

	return m
}

// RecordBuildAttempt counts one build attempt.
func (m *Metrics) RecordBuildAttempt(outcome string) {
	if m == nil {
		return
	}
	m.BuildAttempts.WithLabelValues(outcome).Inc()
}

// RecordFix counts an applied fix.
func (m *Metrics) RecordFix(fix, source string) {
	if m == nil {
		return
	}
	m.FixesApplied.WithLabelValues(fix, source).Inc()
}

func (m *Metrics) RecordEscalation(reason string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordProbeIssue(check, severity string) {
	if m == nil {
		return
	}
	m.ProbeIssues.WithLabelValues(check, severity).Inc()
}

func (m *Metrics) ObserveProbe(durationSec float64) {
	if m == nil {
		return
	}
	m.ProbeDuration.Observe(durationSec)
}

// RecordTick counts a monitor tick and whether it came back healthy.
func (m *Metrics) RecordTick(monitor string, healthy bool) {
	if m == nil {
		return
	}
	h := "false"
	if healthy {
		h = "true"
	}
	m.MonitorTicks.WithLabelValues(monitor, h).Inc()
}

func (m *Metrics) RecordRepair(monitor string) {
	if m == nil {
		return
	}
	m.MonitorRepairs.WithLabelValues(monitor).Inc()
}

func (m *Metrics) RecordFault(monitor string) {
	if m == nil {
		return
	}
	m.MonitorFaults.WithLabelValues(monitor).Inc()
}

// ObserveCommand records how long an external command ran.
func (m *Metrics) ObserveCommand(kind string, durationSec float64) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(kind).Observe(durationSec)
}

// SetMemoryEntries publishes the current repair memory breakdown.
func (m *Metrics) SetMemoryEntries(trusted, learning, deprecated int) {
	if m == nil {
		return
	}
	m.MemoryEntries.WithLabelValues("trusted").Set(float64(trusted))
	m.MemoryEntries.WithLabelValues("learning").Set(float64(learning))
	m.MemoryEntries.WithLabelValues("deprecated").Set(float64(deprecated))
}

func (m *Metrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}
