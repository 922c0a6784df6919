// Package supervisor runs a build with bounded, classified retries.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/broadcast"
	"remedy-engine/internal/config"
	"remedy-engine/internal/diagnose"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/patterns"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/telemetry"
	"remedy-engine/internal/toolchain"
)

// State is the position of a run in the supervisor state machine.
type State string

const (
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateEscalated State = "escalated"
)

// Escalation reasons.
const (
	ReasonUnrecognized     = "unrecognized"
	ReasonNoExecutableFix  = "no_executable_fix"
	ReasonFixesFailed      = "fixes_failed"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonCanceled         = "canceled"
	ReasonExecutor         = "executor_error"
	ReasonNoBuildCommand   = "no_build_command"
	ReasonInternal         = "internal_fault"
)

// Fix sources.
const (
	SourceMemory  = "memory"
	SourcePattern = "pattern"
)

// Request describes one supervised build.
type Request struct {
	Root         string
	BuildCommand string        // empty picks the detected toolchain's build
	MaxRetries   int           // 0 uses the configured bound
	Timeout      time.Duration // 0 uses the configured build timeout
}

// AppliedFix is one fix the supervisor ran.
type AppliedFix struct {
	Attempt   int    `json:"attempt"`
	Name      string `json:"name"`
	Source    string `json:"source"`
	PatternID string `json:"pattern_id,omitempty"`
	Command   string `json:"command"`
	Signature string `json:"signature"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`

	// invalidated is set once the same failure recurred after this fix.
	invalidated bool
}

// Result reports a supervised build.
type Result struct {
	RunID        string        `json:"run_id"`
	Success      bool          `json:"success"`
	Escalated    bool          `json:"escalated"`
	State        State         `json:"state"`
	Attempt      int           `json:"attempt"`
	Command      string        `json:"command"`
	Error        string        `json:"error,omitempty"`
	PatternID    string        `json:"pattern_id,omitempty"`
	Category     string        `json:"category,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	FixesApplied []AppliedFix  `json:"fixes_applied"`
	Diagnosis    string        `json:"diagnosis,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// FixNames lists applied fix names in order.
func (r *Result) FixNames() []string {
	names := make([]string, len(r.FixesApplied))
	for i, f := range r.FixesApplied {
		names[i] = f.Name
	}
	return names
}

// Supervisor wraps build invocations with classification and repair.
type Supervisor struct {
	cfg       config.SupervisorConfig
	exec      runner.Executor
	registry  *toolchain.Registry
	library   *patterns.Library
	memory    *memory.Memory
	diagnoser diagnose.Diagnoser
	sink      audit.Sink
	publisher broadcast.Publisher
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithDiagnoser(d diagnose.Diagnoser) Option  { return func(s *Supervisor) { s.diagnoser = d } }
func WithAudit(a audit.Sink) Option              { return func(s *Supervisor) { s.sink = a } }
func WithPublisher(p broadcast.Publisher) Option { return func(s *Supervisor) { s.publisher = p } }
func WithMetrics(m *telemetry.Metrics) Option    { return func(s *Supervisor) { s.metrics = m } }
func WithTracer(t *telemetry.Tracer) Option      { return func(s *Supervisor) { s.tracer = t } }

// New creates a Supervisor.
func New(cfg config.SupervisorConfig, exec runner.Executor, registry *toolchain.Registry, library *patterns.Library, mem *memory.Memory, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		exec:      exec,
		registry:  registry,
		library:   library,
		memory:    mem,
		sink:      audit.Nop{},
		publisher: broadcast.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// candidate is a fix ready to run.
type candidate struct {
	name      string
	source    string
	patternID string
	action    toolchain.Action
}

// run is the mutable state of one Run call.
type run struct {
	req     Request
	result  *Result
	state   State
	logger  zerolog.Logger
	tried   map[string]map[string]bool // signature key -> fix names
	pending int                        // index into FixesApplied of the fix awaiting validation, or -1
}

// Run executes the build, classifying and repairing failures until it
// succeeds, escalates, or ctx is done. It never panics.
func (s *Supervisor) Run(ctx context.Context, req Request) (result *Result) {
	start := time.Now()
	result = &Result{RunID: uuid.New().String(), State: StateRunning, FixesApplied: []AppliedFix{}}
	r := &run{
		req:     req,
		result:  result,
		state:   StateRunning,
		logger:  log.With().Str("run_id", result.RunID).Str("root", req.Root).Logger(),
		tried:   make(map[string]map[string]bool),
		pending: -1,
	}

	ctx, span := s.tracer.StartSpan(ctx, "supervise", telemetry.AttrRunID.String(result.RunID))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("supervisor run panicked")
			s.escalate(ctx, r, ReasonInternal, fmt.Sprintf("internal fault: %v", p))
		}
		result.Duration = time.Since(start)
	}()

	if req.BuildCommand == "" {
		if a, ok := s.registry.DefaultBuild(req.Root); ok {
			req.BuildCommand = a.Line
			r.req = req
		}
	}
	result.Command = req.BuildCommand
	if req.BuildCommand == "" {
		s.escalate(ctx, r, ReasonNoBuildCommand, "no build command given and no toolchain detected")
		return result
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for result.Attempt < maxRetries {
		if err := ctx.Err(); err != nil {
			s.escalate(ctx, r, ReasonCanceled, err.Error())
			return result
		}
		result.Attempt++
		if done := s.attempt(ctx, r, result.Attempt == maxRetries); done {
			return result
		}
		r.state = StateRetrying
	}
	s.escalate(ctx, r, ReasonRetriesExhausted, result.Error)
	return result
}

// attempt runs the build once and, on failure, prepares the next attempt.
// It reports whether the run reached a final state.
func (s *Supervisor) attempt(ctx context.Context, r *run, last bool) bool {
	result := r.result
	logger := r.logger.With().Int("attempt", result.Attempt).Logger()

	ctx, span := s.tracer.StartSpan(ctx, "attempt", telemetry.AttrAttempt.Int(result.Attempt))
	defer span.End()

	timeout := r.req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.BuildTimeout
	}
	logger.Info().Str("state", string(r.state)).Str("command", r.req.BuildCommand).Msg("running build")

	res, err := s.exec.Execute(ctx, runner.Command{
		Line:    r.req.BuildCommand,
		Dir:     r.req.Root,
		Timeout: timeout,
		Kind:    "build",
	})

	switch {
	case err == nil && res.Success():
		s.metrics.RecordBuildAttempt("success")
		s.succeed(r)
		return true

	case runner.IsTimeout(err):
		s.metrics.RecordBuildAttempt("timeout")
		result.Error = fmt.Sprintf("build timed out after %s", timeout)
		logger.Warn().Dur("timeout", timeout).Msg("build timed out, retrying")
		return false

	case err != nil:
		s.metrics.RecordBuildAttempt("error")
		if ctx.Err() != nil {
			s.escalate(ctx, r, ReasonCanceled, ctx.Err().Error())
			return true
		}
		s.escalate(ctx, r, ReasonExecutor, err.Error())
		return true
	}

	s.metrics.RecordBuildAttempt("failure")
	span.SetAttributes(telemetry.AttrExitCode.Int(res.ExitCode))
	output := res.Output()
	result.Error = output
	sig := memory.SignatureOf(output)
	logger.Info().Int("exit_code", res.ExitCode).Str("signature", sig.Key).Msg("build failed")

	s.invalidatePending(r, sig)

	match, matched := s.library.Match(output)
	if matched {
		result.PatternID = match.PatternID
		result.Category = string(match.Category)
	} else {
		result.PatternID, result.Category = "", ""
	}

	if last {
		if !matched && !s.hasMemory(sig) {
			s.escalate(ctx, r, ReasonUnrecognized, output)
			return true
		}
		return false
	}

	candidates := s.candidates(r, sig, match, matched)
	if len(candidates) == 0 {
		switch {
		case !matched && !s.hasMemory(sig):
			s.escalate(ctx, r, ReasonUnrecognized, output)
		case len(r.tried[sig.Key]) > 0:
			s.escalate(ctx, r, ReasonFixesFailed, output)
		default:
			s.escalate(ctx, r, ReasonNoExecutableFix, output)
		}
		return true
	}

	for _, c := range candidates {
		if s.applyFix(ctx, r, c, sig) {
			return false
		}
	}
	s.escalate(ctx, r, ReasonFixesFailed, output)
	return true
}

func (s *Supervisor) hasMemory(sig memory.Signature) bool {
	if s.memory == nil {
		return false
	}
	_, ok := s.memory.Lookup(sig)
	return ok
}

// candidates lists untried executable fixes for a failure: the trusted
// memory fix first, then pattern fixes by descending confidence.
func (s *Supervisor) candidates(r *run, sig memory.Signature, match patterns.Match, matched bool) []candidate {
	tried := r.tried[sig.Key]
	var out []candidate
	seen := make(map[string]bool)

	if s.memory != nil {
		if f, ok := s.memory.Lookup(sig); ok && !tried[f.Name] {
			action, ok := s.registry.ResolveFix(r.req.Root, f.Name, match.Groups, s.exec.Available)
			if !ok && f.Command != "" {
				action, ok = toolchain.Action{Toolchain: f.Toolchain, Line: f.Command}, true
			}
			if ok {
				out = append(out, candidate{name: f.Name, source: SourceMemory, patternID: f.PatternID, action: action})
				seen[f.Name] = true
			}
		}
	}
	if !matched {
		return out
	}
	for _, fc := range match.Fixes {
		if tried[fc.Name] || seen[fc.Name] {
			continue
		}
		seen[fc.Name] = true
		action, ok := s.registry.ResolveFix(r.req.Root, fc.Name, match.Groups, s.exec.Available)
		if !ok {
			r.logger.Debug().Str("fix", fc.Name).Str("pattern", match.PatternID).Msg("fix has no executable action, skipping")
			continue
		}
		out = append(out, candidate{name: fc.Name, source: SourcePattern, patternID: match.PatternID, action: action})
	}
	return out
}

// applyFix records and runs one fix. A fix whose own command fails counts
// as a failure for the signature and does not consume a build attempt.
func (s *Supervisor) applyFix(ctx context.Context, r *run, c candidate, sig memory.Signature) bool {
	result := r.result
	if r.tried[sig.Key] == nil {
		r.tried[sig.Key] = make(map[string]bool)
	}
	r.tried[sig.Key][c.name] = true

	logger := r.logger.With().Int("attempt", result.Attempt).Str("fix", c.name).Str("source", c.source).Logger()
	_, span := s.tracer.StartSpan(ctx, "fix",
		telemetry.AttrFix.String(c.name),
		telemetry.AttrPattern.String(c.patternID),
		telemetry.AttrSignature.String(sig.Key),
	)
	defer span.End()

	if s.memory != nil {
		fix := memory.Fix{Name: c.name, PatternID: c.patternID, Toolchain: c.action.Toolchain, Command: c.action.Line}
		if _, err := s.memory.Record(sig, fix); err != nil {
			logger.Warn().Err(err).Msg("recording fix in memory failed")
		}
	}

	logger.Info().Str("command", c.action.Line).Msg("applying fix")
	res, err := s.exec.Execute(ctx, runner.Command{
		Line:    c.action.Line,
		Dir:     r.req.Root,
		Timeout: s.cfg.FixTimeout,
		Kind:    "fix",
	})
	ok := err == nil && res.Success()

	applied := AppliedFix{
		Attempt:   result.Attempt,
		Name:      c.name,
		Source:    c.source,
		PatternID: c.patternID,
		Command:   c.action.Line,
		Signature: sig.Key,
		Success:   ok,
	}
	if !ok {
		applied.Output = truncate(res.Output(), 2000)
		if err != nil {
			applied.Output = err.Error()
		}
		applied.invalidated = true
		s.recordFailure(logger, sig)
		logger.Warn().Err(err).Msg("fix command failed, trying next candidate")
	}
	result.FixesApplied = append(result.FixesApplied, applied)
	if ok {
		r.pending = len(result.FixesApplied) - 1
	}

	s.metrics.RecordFix(c.name, c.source)
	s.sink.Append(audit.NewRecord(audit.PhaseBuild, "fix_applied", map[string]any{
		"run_id":    result.RunID,
		"attempt":   result.Attempt,
		"fix":       c.name,
		"source":    c.source,
		"pattern":   c.patternID,
		"command":   c.action.Line,
		"signature": sig.Key,
		"success":   ok,
	}))
	if ok {
		s.publisher.Publish(broadcast.EventFixApplied, map[string]any{
			"run_id":  result.RunID,
			"fix":     c.name,
			"pattern": c.patternID,
			"attempt": result.Attempt,
		})
	}
	return ok
}

// invalidatePending marks the last applied fix failed when the failure it
// was meant to fix came straight back.
func (s *Supervisor) invalidatePending(r *run, sig memory.Signature) {
	if r.pending < 0 {
		return
	}
	f := &r.result.FixesApplied[r.pending]
	r.pending = -1
	if f.Signature != sig.Key || f.invalidated {
		return
	}
	f.invalidated = true
	s.recordFailure(r.logger.With().Str("fix", f.Name).Logger(), memory.KeyedSignature(f.Signature))
}

func (s *Supervisor) recordFailure(logger zerolog.Logger, sig memory.Signature) {
	if s.memory == nil {
		return
	}
	if _, err := s.memory.RecordFailure(sig); err != nil && !errors.Is(err, memory.ErrUnknownSignature) {
		logger.Warn().Err(err).Msg("recording fix failure failed")
	}
}

func (s *Supervisor) succeed(r *run) {
	result := r.result
	r.state = StateSucceeded
	result.State = StateSucceeded
	result.Success = true
	result.Error = ""

	if result.Attempt > 1 && s.memory != nil {
		for i := range result.FixesApplied {
			f := &result.FixesApplied[i]
			if !f.Success || f.invalidated {
				continue
			}
			if _, err := s.memory.RecordSuccess(memory.KeyedSignature(f.Signature)); err != nil {
				r.logger.Warn().Err(err).Str("fix", f.Name).Msg("recording fix success failed")
			}
		}
	}

	r.logger.Info().Int("attempt", result.Attempt).Strs("fixes", result.FixNames()).Msg("build succeeded")
	s.sink.Append(audit.NewRecord(audit.PhaseBuild, "succeeded", map[string]any{
		"run_id":  result.RunID,
		"attempt": result.Attempt,
		"fixes":   result.FixNames(),
	}))
	s.publisher.Publish(broadcast.EventBuildSucceeded, map[string]any{
		"run_id":  result.RunID,
		"attempt": result.Attempt,
		"fixes":   result.FixNames(),
	})
}

func (s *Supervisor) escalate(ctx context.Context, r *run, reason, errText string) {
	result := r.result
	r.state = StateEscalated
	result.State = StateEscalated
	result.Escalated = true
	result.Success = false
	result.Reason = reason
	if errText != "" {
		result.Error = errText
	}

	if s.diagnoser != nil && reason != ReasonCanceled {
		diagnosis, err := s.diagnoser.Diagnose(context.WithoutCancel(ctx), diagnose.Request{
			Error:     result.Error,
			PatternID: result.PatternID,
			Category:  result.Category,
			Fixes:     result.FixNames(),
			Attempts:  result.Attempt,
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("diagnosis unavailable")
		} else {
			result.Diagnosis = diagnosis
		}
	}

	s.metrics.RecordEscalation(reason)
	r.logger.Warn().
		Str("reason", reason).
		Int("attempt", result.Attempt).
		Strs("fixes", result.FixNames()).
		Msg("build escalated")
	s.sink.Append(audit.NewRecord(audit.PhaseBuild, "escalated", map[string]any{
		"run_id":  result.RunID,
		"attempt": result.Attempt,
		"reason":  reason,
		"pattern": result.PatternID,
		"fixes":   result.FixNames(),
		"error":   truncate(result.Error, 4000),
	}))
	s.publisher.Publish(broadcast.EventBuildEscalated, map[string]any{
		"run_id":  result.RunID,
		"reason":  reason,
		"pattern": result.PatternID,
		"fixes":   result.FixNames(),
	})
}

// truncate keeps the last max bytes of s, where build tools print the
// failure, starting on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
