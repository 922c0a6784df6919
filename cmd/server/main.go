package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"remedy-engine/internal/api"
	"remedy-engine/internal/audit"
	"remedy-engine/internal/broadcast"
	"remedy-engine/internal/config"
	"remedy-engine/internal/diagnose"
	"remedy-engine/internal/guardian"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/orchestrator"
	"remedy-engine/internal/patterns"
	"remedy-engine/internal/prober"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/storage"
	"remedy-engine/internal/supervisor"
	"remedy-engine/internal/telemetry"
	"remedy-engine/internal/toolchain"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	if root := os.Getenv("PROJECT_ROOT"); root != "" {
		cfg.Project.Root = root
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := telemetry.NewMetrics()
	var tracer *telemetry.Tracer
	if cfg.Tracing.Enabled {
		tracer = telemetry.NewTracer()
	}

	exec := runner.NewShellRunner(runner.ShellConfig{
		DefaultTimeout:   cfg.Supervisor.BuildTimeout,
		ContainerdSocket: cfg.Containerd.Socket,
		Metrics:          metrics,
	})
	defer exec.Close(10 * time.Second)

	// Repair memory: badger on disk, or in process only when no path is set
	var store memory.Store
	if cfg.Memory.Path != "" {
		bcfg := memory.DefaultBadgerConfig(cfg.Memory.Path)
		bcfg.SyncWrites = cfg.Memory.SyncWrites
		badgerStore, err := memory.OpenBadgerStore(bcfg)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Memory.Path).Msg("failed to open repair memory")
		}
		store = badgerStore
	}
	mem, err := memory.New(store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load repair memory")
	}
	defer mem.Close()

	// Audit: in-process history, plus PostgreSQL when configured
	history := audit.NewHistory(cfg.Audit.HistorySize)
	sinks := audit.Fanout{history}

	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, durable audit disabled")
		} else {
			defer db.Close()
		}
	}
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Audit.BufferSize, metrics)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		sinks = append(sinks, auditWriter)
	}

	var publisher broadcast.Publisher = broadcast.Nop{}
	if cfg.Broadcast.NATSURL != "" {
		nats, err := broadcast.Connect(cfg.Broadcast.NATSURL, cfg.Broadcast.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, repair events will not be broadcast")
		} else {
			defer nats.Close()
			publisher = nats
		}
	}

	supervisorOpts := []supervisor.Option{
		supervisor.WithAudit(sinks),
		supervisor.WithPublisher(publisher),
		supervisor.WithMetrics(metrics),
		supervisor.WithTracer(tracer),
	}
	if cfg.Diagnose.Enabled {
		d, err := diagnose.NewOpenAIDiagnoser(cfg.Diagnose)
		if err != nil {
			log.Warn().Err(err).Msg("diagnoser disabled")
		} else {
			supervisorOpts = append(supervisorOpts, supervisor.WithDiagnoser(d))
		}
	}

	// Container inspection prefers containerd and falls back to the docker CLI
	var inspector runner.ContainerInspector
	if len(cfg.Guardian.Containers) > 0 {
		if cd, err := runner.NewContainerdClient(ctx, cfg.Containerd.Socket, cfg.Containerd.Namespace); err == nil {
			defer cd.Close()
			inspector = cd
		} else if exec.Available(runner.CapDocker) {
			log.Info().Err(err).Msg("containerd unavailable, inspecting containers through docker")
			inspector = runner.NewDockerCLI(exec)
		} else {
			log.Warn().Err(err).Msg("no container runtime available, container health reports healthy")
		}
	}

	registry := toolchain.NewRegistry()
	library := patterns.NewDefault()

	p := prober.New(cfg.Prober, exec, registry, library, mem,
		prober.WithAudit(sinks),
		prober.WithMetrics(metrics),
		prober.WithTracer(tracer),
	)
	sup := supervisor.New(cfg.Supervisor, exec, registry, library, mem, supervisorOpts...)

	g := guardian.New(cfg.Guardian.MinInterval,
		guardian.WithAudit(sinks),
		guardian.WithPublisher(publisher),
		guardian.WithMetrics(metrics),
		guardian.WithTracer(tracer),
	)
	err = guardian.RegisterDefaults(g, cfg, guardian.Deps{
		Root:      cfg.Project.Root,
		Exec:      exec,
		Registry:  registry,
		Memory:    mem,
		Inspector: inspector,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register monitors")
	}
	defer g.Close()

	orch := orchestrator.New(p, sup, g, exec,
		orchestrator.WithAudit(sinks),
		orchestrator.WithPublisher(publisher),
		orchestrator.WithTracer(tracer),
	)

	deps := api.Deps{
		Memory:       mem,
		Library:      library,
		History:      history,
		Guardian:     g,
		Prober:       p,
		Deployer:     orch,
		Sink:         sinks,
		DefaultRoot:  cfg.Project.Root,
		DefaultBuild: cfg.Project.BuildCommand,
		DefaultStart: cfg.Project.StartCommand,
	}
	if db != nil {
		deps.DB = db
	}
	server := api.NewServer(cfg, deps, metrics)

	// A daemon guarding a project runs its monitors from startup; deploys
	// through the API start them otherwise.
	if cfg.Project.Root != "" {
		g.Start()
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		g.Stop()
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("project", cfg.Project.Root).
		Bool("db_enabled", db != nil).
		Int("patterns", library.Len()).
		Int("memory_entries", mem.Stats().Entries).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
