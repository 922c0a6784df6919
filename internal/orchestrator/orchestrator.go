// Package orchestrator chains the pre-flight probe, the supervised build,
// the start command, and the runtime guardian into one deploy.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/broadcast"
	"remedy-engine/internal/prober"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/supervisor"
	"remedy-engine/internal/telemetry"
)

// Stages a deploy can stop at.
const (
	StageProbe   = "probe"
	StageBuild   = "build"
	StageRunning = "running"
)

// Prober runs the pre-flight checks.
type Prober interface {
	Run(ctx context.Context, root string) *prober.Report
}

// Builder runs the supervised build.
type Builder interface {
	Run(ctx context.Context, req supervisor.Request) *supervisor.Result
}

// Guardian is started once the project runs.
type Guardian interface {
	Start()
	Running() bool
}

// StartResult reports the detached start command.
type StartResult struct {
	Command string `json:"command"`
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

// DeployResult aggregates every phase of one deploy.
type DeployResult struct {
	RunID           string             `json:"run_id"`
	Root            string             `json:"root"`
	Success         bool               `json:"success"`
	Stage           string             `json:"stage"`
	Error           string             `json:"error,omitempty"`
	Probe           *prober.Report     `json:"probe,omitempty"`
	Build           *supervisor.Result `json:"build,omitempty"`
	Start           *StartResult       `json:"start,omitempty"`
	GuardianStarted bool               `json:"guardian_started"`
	Duration        time.Duration      `json:"duration"`
}

// Orchestrator runs deploys one at a time.
type Orchestrator struct {
	prober    Prober
	builder   Builder
	guardian  Guardian
	exec      runner.Executor
	sink      audit.Sink
	publisher broadcast.Publisher
	tracer    *telemetry.Tracer

	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithAudit(s audit.Sink) Option              { return func(o *Orchestrator) { o.sink = s } }
func WithPublisher(p broadcast.Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }
func WithTracer(t *telemetry.Tracer) Option      { return func(o *Orchestrator) { o.tracer = t } }

// New creates an Orchestrator. guardian may be nil, in which case deploys
// end once the start command is issued.
func New(p Prober, b Builder, g Guardian, exec runner.Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		prober:    p,
		builder:   b,
		guardian:  g,
		exec:      exec,
		sink:      audit.Nop{},
		publisher: broadcast.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunFullDeploy probes root, builds it, issues startCmd, and starts the
// guardian. A blocked probe stops before the build and a failed build stops
// before anything is started. A failing start command is reported but does
// not fail the deploy.
func (o *Orchestrator) RunFullDeploy(ctx context.Context, root, buildCmd, startCmd string) (result *DeployResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	result = &DeployResult{RunID: uuid.New().String(), Root: root, Stage: StageProbe}
	logger := log.With().Str("run_id", result.RunID).Str("root", root).Logger()

	ctx, span := o.tracer.StartSpan(ctx, "deploy", telemetry.AttrRunID.String(result.RunID))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("deploy panicked")
			result.Success = false
			result.Error = fmt.Sprintf("internal fault: %v", p)
		}
		result.Duration = time.Since(start)
		o.finish(result)
	}()

	logger.Info().Msg("deploy started")

	report := o.prober.Run(ctx, root)
	result.Probe = report
	if report.Blocked {
		result.Error = "pre-flight probe blocked by unresolved critical issues"
		logger.Warn().Int("unresolved", report.UnresolvedTotal).Msg("deploy blocked by pre-flight probe")
		return result
	}

	result.Stage = StageBuild
	build := o.builder.Run(ctx, supervisor.Request{Root: root, BuildCommand: buildCmd})
	result.Build = build
	if !build.Success {
		result.Error = fmt.Sprintf("build escalated (%s): %s", build.Reason, build.Error)
		logger.Warn().Str("reason", build.Reason).Msg("deploy stopped, build did not succeed")
		return result
	}

	result.Stage = StageRunning
	result.Success = true
	if startCmd != "" {
		result.Start = o.start(ctx, root, startCmd)
		if !result.Start.Started {
			logger.Warn().Str("error", result.Start.Error).Msg("start command failed, guardian will report health")
		}
	}

	if o.guardian != nil {
		o.guardian.Start()
		result.GuardianStarted = o.guardian.Running()
	}
	logger.Info().Bool("guardian", result.GuardianStarted).Msg("deploy completed")
	return result
}

func (o *Orchestrator) start(ctx context.Context, root, line string) *StartResult {
	res := &StartResult{Command: line}
	if o.exec == nil {
		res.Error = "no executor configured"
		return res
	}
	if err := o.exec.Start(ctx, runner.Command{Line: line, Dir: root, Kind: "start"}); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Started = true
	return res
}

func (o *Orchestrator) finish(result *DeployResult) {
	details := map[string]any{
		"run_id":           result.RunID,
		"root":             result.Root,
		"success":          result.Success,
		"stage":            result.Stage,
		"guardian_started": result.GuardianStarted,
		"duration_ms":      result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		details["error"] = result.Error
	}
	if result.Build != nil {
		details["build_attempts"] = result.Build.Attempt
		details["fixes"] = result.Build.FixNames()
	}
	o.sink.Append(audit.NewRecord(audit.PhaseDeploy, "completed", details))
	o.publisher.Publish(broadcast.EventDeployCompleted, details)
}
