package guardian

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"remedy-engine/internal/config"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/telemetry"
	"remedy-engine/internal/toolchain"
)

// Deps are the collaborators the built-in monitors use.
type Deps struct {
	Root      string
	Exec      runner.Executor
	Registry  *toolchain.Registry
	Memory    *memory.Memory
	Inspector runner.ContainerInspector
	Metrics   *telemetry.Metrics
}

// DefaultMonitors builds the built-in monitors enabled in cfg. Monitors
// whose collaborators are missing are left out.
func DefaultMonitors(cfg *config.Config, deps Deps) []Monitor {
	th := cfg.Guardian.Thresholds
	var out []Monitor
	add := func(m Monitor) {
		if cfg.Guardian.Monitors[m.Name()].Disabled {
			log.Info().Str("monitor", m.Name()).Msg("monitor disabled by config")
			return
		}
		out = append(out, m)
	}

	add(&MemoryPressure{WarnPercent: th.MemoryWarnPercent, CritPercent: th.MemoryCritPercent})
	add(&DiskSpace{
		Paths:          th.DiskPaths,
		MinFreePercent: th.DiskMinFreePercent,
		Root:           deps.Root,
		Exec:           deps.Exec,
		Registry:       deps.Registry,
		Timeout:        cfg.Supervisor.FixTimeout,
	})
	add(&SchedulerLag{Max: th.SchedulerLagMax})
	if len(cfg.Guardian.Dependencies) > 0 {
		add(&Dependencies{Targets: cfg.Guardian.Dependencies})
	}
	if len(cfg.Guardian.Containers) > 0 {
		add(&Containers{IDs: cfg.Guardian.Containers, Inspector: deps.Inspector})
	}
	if deps.Memory != nil {
		add(&MemoryConsistency{Memory: deps.Memory, Metrics: deps.Metrics})
	}
	if deps.Root != "" {
		add(&CertExpiry{Root: deps.Root, WarnDays: th.CertWarnDays})
		if !cfg.Guardian.Monitors[MonitorLockfileDrift].Disabled {
			add(NewLockfileDrift(deps.Root, deps.Registry, deps.Exec, cfg.Supervisor.FixTimeout))
		}
	}
	return out
}

// RegisterDefaults registers DefaultMonitors on g with the intervals and
// repair budgets from cfg.
func RegisterDefaults(g *Guardian, cfg *config.Config, deps Deps) error {
	for _, m := range DefaultMonitors(cfg, deps) {
		opts := RegisterOptions{MaxRepairsPerHour: cfg.Guardian.Monitors[m.Name()].MaxRepairsPerHour}
		if err := g.Register(m, cfg.MonitorInterval(m.Name()), opts); err != nil {
			if c, ok := m.(io.Closer); ok {
				c.Close()
			}
			return fmt.Errorf("registering %s: %w", m.Name(), err)
		}
	}
	return nil
}

// Close stops the guardian and releases monitors that hold resources.
func (g *Guardian) Close() error {
	g.Stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for _, name := range g.order {
		if c, ok := g.monitors[name].monitor.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
