package guardian

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"remedy-engine/internal/runner"
	"remedy-engine/internal/toolchain"
)

// Monitor names.
const (
	MonitorMemoryPressure    = "memory_pressure"
	MonitorDiskSpace         = "disk_space"
	MonitorDependencies      = "dependency_reachability"
	MonitorContainers        = "container_health"
	MonitorCertExpiry        = "cert_expiry"
	MonitorMemoryConsistency = "memory_consistency"
	MonitorSchedulerLag      = "scheduler_lag"
	MonitorLockfileDrift     = "lockfile_drift"
)

// MemoryPressure watches host memory through /proc/meminfo.
type MemoryPressure struct {
	ProcPath    string // defaults to /proc
	WarnPercent float64
	CritPercent float64
}

func (m *MemoryPressure) Name() string { return MonitorMemoryPressure }

func (m *MemoryPressure) Check(ctx context.Context) Result {
	path := m.ProcPath
	if path == "" {
		path = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(path)
	if err != nil {
		return Result{Healthy: true, Message: "memory statistics unavailable: " + err.Error()}
	}
	info, err := fs.Meminfo()
	if err != nil || info.MemTotal == nil || info.MemAvailable == nil || *info.MemTotal == 0 {
		return Result{Healthy: true, Message: "memory statistics unavailable"}
	}

	total, avail := *info.MemTotal, *info.MemAvailable
	used := 100 * float64(total-min(avail, total)) / float64(total)
	details := map[string]any{
		"used_percent": used,
		"total_kb":     total,
		"available_kb": avail,
	}
	switch {
	case used >= m.CritPercent:
		return Result{Healthy: false, Message: fmt.Sprintf("memory %.1f%% used (critical at %.0f%%)", used, m.CritPercent), Details: details}
	case used >= m.WarnPercent:
		return Result{Healthy: true, Message: fmt.Sprintf("memory %.1f%% used (warning at %.0f%%)", used, m.WarnPercent), Details: details}
	}
	return Result{Healthy: true, Message: fmt.Sprintf("memory %.1f%% used", used), Details: details}
}

// Repair returns memory held by this process to the OS. Host-wide pressure
// from other processes is reported, not fixed.
func (m *MemoryPressure) Repair(ctx context.Context, res Result) error {
	debug.FreeOSMemory()
	return nil
}

// DiskSpace watches free space on a set of mount points.
type DiskSpace struct {
	Paths          []string
	MinFreePercent float64

	// Root, Exec, and Registry enable cache cleanup as a repair.
	Root     string
	Exec     runner.Executor
	Registry *toolchain.Registry
	Timeout  time.Duration
}

func (d *DiskSpace) Name() string { return MonitorDiskSpace }

func (d *DiskSpace) Check(ctx context.Context) Result {
	details := make(map[string]any, len(d.Paths))
	var low []string
	for _, path := range d.Paths {
		free, err := freePercent(path)
		if err != nil {
			details[path] = err.Error()
			continue
		}
		details[path] = free
		if free < d.MinFreePercent {
			low = append(low, fmt.Sprintf("%s %.1f%% free", path, free))
		}
	}
	if len(low) > 0 {
		return Result{Healthy: false, Message: fmt.Sprintf("low disk space: %v", low), Details: details}
	}
	return Result{Healthy: true, Details: details}
}

func freePercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	if st.Blocks == 0 {
		return 100, nil
	}
	return 100 * float64(st.Bavail) / float64(st.Blocks), nil
}

// Repair clears the project's package manager cache.
func (d *DiskSpace) Repair(ctx context.Context, res Result) error {
	if d.Exec == nil || d.Registry == nil || d.Root == "" {
		return ErrNoRepair
	}
	action, ok := d.Registry.ResolveFix(d.Root, "clear_cache", nil, d.Exec.Available)
	if !ok {
		return ErrNoRepair
	}
	return runAction(ctx, d.Exec, d.Root, action, d.Timeout)
}

// SchedulerLag measures how late a short timer fires, a proxy for a
// starved Go scheduler.
type SchedulerLag struct {
	Max    time.Duration
	Sample time.Duration // defaults to 100ms
}

func (s *SchedulerLag) Name() string { return MonitorSchedulerLag }

func (s *SchedulerLag) Check(ctx context.Context) Result {
	sample := s.Sample
	if sample <= 0 {
		sample = 100 * time.Millisecond
	}
	start := time.Now()
	timer := time.NewTimer(sample)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Result{Healthy: true, Message: "lag sample interrupted"}
	case <-timer.C:
	}
	lag := time.Since(start) - sample
	details := map[string]any{
		"lag_ms":     lag.Milliseconds(),
		"goroutines": runtime.NumGoroutine(),
	}
	if lag > s.Max {
		return Result{Healthy: false, Message: fmt.Sprintf("scheduler lag %s exceeds %s", lag, s.Max), Details: details}
	}
	return Result{Healthy: true, Details: details}
}

// Repair forces a collection, the usual cause of long pauses being a bloated
// heap.
func (s *SchedulerLag) Repair(ctx context.Context, res Result) error {
	runtime.GC()
	return nil
}

func runAction(ctx context.Context, exec runner.Executor, root string, action toolchain.Action, timeout time.Duration) error {
	res, err := exec.Execute(ctx, runner.Command{Line: action.Line, Dir: root, Timeout: timeout, Kind: "monitor"})
	if err != nil {
		return fmt.Errorf("%s: %w", action.Line, err)
	}
	if !res.Success() {
		return fmt.Errorf("%s exited %d", action.Line, res.ExitCode)
	}
	return nil
}
