package guardian

import (
	"context"
	"fmt"
	"time"

	"remedy-engine/internal/certs"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/telemetry"
)

// CertExpiry scans a tree for certificates that expired or expire soon.
type CertExpiry struct {
	Root     string
	WarnDays int
	Now      func() time.Time
}

func (c *CertExpiry) Name() string { return MonitorCertExpiry }

func (c *CertExpiry) Check(ctx context.Context) Result {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	found, err := certs.Scan(c.Root, c.WarnDays, now)
	if err != nil {
		return Result{Healthy: true, Message: err.Error()}
	}
	var expired, expiring []string
	for _, cert := range found {
		switch cert.State {
		case certs.StateExpired:
			expired = append(expired, cert.Path)
		case certs.StateExpiring:
			expiring = append(expiring, cert.Path)
		}
	}
	details := map[string]any{"scanned": len(found), "expired": expired, "expiring": expiring}
	if len(expired)+len(expiring) > 0 {
		return Result{
			Healthy: false,
			Message: fmt.Sprintf("%d expired and %d expiring certificate(s)", len(expired), len(expiring)),
			Details: details,
		}
	}
	return Result{Healthy: true, Details: details}
}

// Repair cannot issue certificates; the status carries the finding.
func (c *CertExpiry) Repair(ctx context.Context, res Result) error {
	return ErrNoRepair
}

// MemoryConsistency verifies the derived fields of repair memory entries.
type MemoryConsistency struct {
	Memory  *memory.Memory
	Metrics *telemetry.Metrics
}

func (m *MemoryConsistency) Name() string { return MonitorMemoryConsistency }

func (m *MemoryConsistency) Check(ctx context.Context) Result {
	stats := m.Memory.Stats()
	m.Metrics.SetMemoryEntries(stats.Trusted, stats.Learning, stats.Deprecated)

	bad := m.Memory.Verify()
	if len(bad) == 0 {
		return Result{Healthy: true, Details: map[string]any{"entries": stats.Entries}}
	}
	keys := make([]string, len(bad))
	reasons := make(map[string]any, len(bad))
	for i, b := range bad {
		keys[i] = b.Key
		reasons[b.Key] = b.Reason
	}
	return Result{
		Healthy: false,
		Message: fmt.Sprintf("%d inconsistent repair memory entr(ies)", len(bad)),
		Details: map[string]any{"keys": keys, "reasons": reasons, "entries": stats.Entries},
	}
}

// Repair recomputes derived fields of the inconsistent entries.
func (m *MemoryConsistency) Repair(ctx context.Context, res Result) error {
	keys, _ := res.Details["keys"].([]string)
	return m.Memory.Repair(keys)
}
