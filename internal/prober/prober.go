// Package prober runs a battery of project health checks before a build.
package prober

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/config"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/patterns"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/telemetry"
	"remedy-engine/internal/toolchain"
)

// Severity ranks an issue. Only critical issues block a build.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// maxUnresolvedSample bounds how many unresolved issues a report carries.
const maxUnresolvedSample = 5

// safeFixes may run unattended during a probe. None of them delete project
// state.
var safeFixes = map[string]bool{
	"regenerate_lockfile":       true,
	"go_mod_tidy":               true,
	"populate_env_from_example": true,
}

// Issue is one problem found by a check. Fix names a fix that resolves it,
// with Groups carrying its parameters.
type Issue struct {
	Check    string            `json:"check"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	File     string            `json:"file,omitempty"`
	Fix      string            `json:"fix,omitempty"`
	Groups   map[string]string `json:"groups,omitempty"`
}

// CheckResult is the outcome of one check. A check that panicked carries
// the recovered value in Fault and no issues.
type CheckResult struct {
	Name        string        `json:"name"`
	Issues      []Issue       `json:"issues"`
	AutoFixable []string      `json:"auto_fixable,omitempty"`
	Fault       string        `json:"fault,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// CheckSummary is the per-check section of a Report.
type CheckSummary struct {
	Name      string `json:"name"`
	Issues    int    `json:"issues"`
	Critical  int    `json:"critical"`
	AutoFixed int    `json:"auto_fixed"`
	Fault     string `json:"fault,omitempty"`
	Millis    int64  `json:"duration_ms"`
}

// AppliedFix is a fix the probe ran.
type AppliedFix struct {
	Fix     string `json:"fix"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// Report aggregates one probe run.
type Report struct {
	RunID           string         `json:"run_id"`
	Root            string         `json:"root"`
	Blocked         bool           `json:"blocked"`
	Checks          []CheckSummary `json:"checks"`
	Issues          int            `json:"issues"`
	Critical        int            `json:"critical"`
	AutoFixed       int            `json:"auto_fixed"`
	FixesApplied    []AppliedFix   `json:"fixes_applied,omitempty"`
	Unresolved      []Issue        `json:"unresolved"`
	UnresolvedTotal int            `json:"unresolved_total"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
}

// Check is one named member of the battery.
type Check struct {
	Name string
	Run  func(ctx context.Context, p *Project) []Issue
}

// Project is what a check sees of the probed tree.
type Project struct {
	Root           string
	Toolchains     []toolchain.Toolchain
	Exec           runner.Executor
	Library        *patterns.Library
	CompileTimeout time.Duration
	CertWarnDays   int
	Now            time.Time
}

// Has reports whether a toolchain with the given name was detected.
func (p *Project) Has(name string) bool {
	return p.toolchain(name) != nil
}

func (p *Project) toolchain(name string) toolchain.Toolchain {
	for _, t := range p.Toolchains {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (p *Project) available(c runner.Capability) bool {
	return p.Exec != nil && p.Exec.Available(c)
}

// Prober runs the check battery.
type Prober struct {
	cfg      config.ProberConfig
	exec     runner.Executor
	registry *toolchain.Registry
	library  *patterns.Library
	memory   *memory.Memory
	sink     audit.Sink
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	checks   []Check
	now      func() time.Time
}

// Option configures a Prober.
type Option func(*Prober)

func WithAudit(s audit.Sink) Option           { return func(p *Prober) { p.sink = s } }
func WithMetrics(m *telemetry.Metrics) Option { return func(p *Prober) { p.metrics = m } }
func WithTracer(t *telemetry.Tracer) Option   { return func(p *Prober) { p.tracer = t } }
func WithClock(now func() time.Time) Option   { return func(p *Prober) { p.now = now } }

// WithChecks replaces the default battery.
func WithChecks(checks ...Check) Option {
	return func(p *Prober) { p.checks = checks }
}

// New creates a Prober. mem may be nil, in which case auto-fixes are not
// remembered.
func New(cfg config.ProberConfig, exec runner.Executor, registry *toolchain.Registry, library *patterns.Library, mem *memory.Memory, opts ...Option) *Prober {
	p := &Prober{
		cfg:      cfg,
		exec:     exec,
		registry: registry,
		library:  library,
		memory:   mem,
		sink:     audit.Nop{},
		checks:   DefaultChecks(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Checks returns the names of the configured checks in run order.
func (p *Prober) Checks() []string {
	names := make([]string, len(p.checks))
	for i, c := range p.checks {
		names[i] = c.Name
	}
	return names
}

// Run probes the project at root. It never fails: a check that panics
// contributes a fault and zero issues.
func (p *Prober) Run(ctx context.Context, root string) *Report {
	start := p.now()
	report := &Report{
		RunID:     uuid.New().String(),
		Root:      root,
		StartedAt: start.UTC(),
	}
	logger := log.With().Str("run_id", report.RunID).Str("root", root).Logger()

	ctx, span := p.tracer.StartSpan(ctx, "probe", telemetry.AttrRunID.String(report.RunID))
	defer span.End()

	proj := &Project{
		Root:           root,
		Toolchains:     p.registry.Detect(root),
		Exec:           p.exec,
		Library:        p.library,
		CompileTimeout: p.cfg.CompileTimeout,
		CertWarnDays:   p.cfg.CertWarnDays,
		Now:            start,
	}

	results := make([]CheckResult, len(p.checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range p.checks {
		g.Go(func() error {
			results[i] = p.runCheck(gctx, c, proj)
			return nil
		})
	}
	_ = g.Wait()

	fixed := p.autoFix(ctx, proj, results, report)

	var unresolved []Issue
	for i, res := range results {
		sum := CheckSummary{
			Name:   res.Name,
			Issues: len(res.Issues),
			Fault:  res.Fault,
			Millis: res.Duration.Milliseconds(),
		}
		for j, issue := range res.Issues {
			p.metrics.RecordProbeIssue(res.Name, string(issue.Severity))
			if issue.Severity == SeverityCritical {
				sum.Critical++
			}
			if fixed[issueRef{i, j}] {
				sum.AutoFixed++
				continue
			}
			unresolved = append(unresolved, issue)
		}
		report.Issues += sum.Issues
		report.Critical += sum.Critical
		report.AutoFixed += sum.AutoFixed
		report.Checks = append(report.Checks, sum)
	}

	sort.SliceStable(unresolved, func(a, b int) bool {
		return unresolved[a].Severity.rank() > unresolved[b].Severity.rank()
	})
	for _, issue := range unresolved {
		if issue.Severity == SeverityCritical {
			report.Blocked = true
		}
	}
	report.UnresolvedTotal = len(unresolved)
	if len(unresolved) > maxUnresolvedSample {
		unresolved = unresolved[:maxUnresolvedSample]
	}
	report.Unresolved = append([]Issue{}, unresolved...)
	report.Duration = p.now().Sub(start)
	p.metrics.ObserveProbe(report.Duration.Seconds())

	p.sink.Append(audit.NewRecord(audit.PhaseProbe, "completed", map[string]any{
		"run_id":     report.RunID,
		"root":       root,
		"blocked":    report.Blocked,
		"issues":     report.Issues,
		"critical":   report.Critical,
		"auto_fixed": report.AutoFixed,
	}))

	logger.Info().
		Bool("blocked", report.Blocked).
		Int("issues", report.Issues).
		Int("auto_fixed", report.AutoFixed).
		Dur("duration", report.Duration).
		Msg("probe completed")
	return report
}

func (p *Prober) runCheck(ctx context.Context, c Check, proj *Project) (res CheckResult) {
	start := time.Now()
	res.Name = c.Name

	ctx, span := p.tracer.StartSpan(ctx, "probe.check", telemetry.AttrCheck.String(c.Name))
	defer span.End()

	if p.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CheckTimeout)
		defer cancel()
	}

	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			log.Error().
				Str("check", c.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("probe check panicked")
			res.Issues = nil
			res.AutoFixable = nil
			res.Fault = fmt.Sprint(r)
		}
	}()

	for _, issue := range c.Run(ctx, proj) {
		issue.Check = c.Name
		if issue.Fix != "" {
			res.AutoFixable = append(res.AutoFixable, issue.Fix)
		}
		res.Issues = append(res.Issues, issue)
	}
	log.Debug().Str("check", c.Name).Int("issues", len(res.Issues)).Msg("probe check finished")
	return res
}

type issueRef struct{ check, issue int }

// autoFix applies safe fixes one at a time in check order. Issues that
// resolve to the same command share one execution, and every distinct
// signature among them learns its outcome.
func (p *Prober) autoFix(ctx context.Context, proj *Project, results []CheckResult, report *Report) map[issueRef]bool {
	fixed := make(map[issueRef]bool)
	if !p.cfg.AutoFix || p.exec == nil {
		return fixed
	}

	ran := make(map[string]bool)
	learned := make(map[string]bool)
	for i, res := range results {
		for j, issue := range res.Issues {
			if ctx.Err() != nil {
				return fixed
			}
			sig := memory.SignatureOf(issue.Message)
			name := issue.Fix
			if name == "" && p.memory != nil {
				if f, ok := p.memory.Lookup(sig); ok {
					name = f.Name
				}
			}
			if !safeFixes[name] {
				continue
			}
			action, ok := p.registry.ResolveFix(proj.Root, name, issue.Groups, p.exec.Available)
			if !ok {
				continue
			}

			ok, seen := ran[action.Line]
			if !seen {
				ok = p.applyFix(ctx, proj.Root, name, action, report)
				ran[action.Line] = ok
			}
			if key := action.Line + "\x00" + sig.Key; !learned[key] {
				learned[key] = true
				p.learn(sig, name, action, ok)
			}
			if ok {
				fixed[issueRef{i, j}] = true
			}
		}
	}
	return fixed
}

func (p *Prober) applyFix(ctx context.Context, root, name string, action toolchain.Action, report *Report) bool {
	logger := log.With().Str("fix", name).Str("command", action.Line).Logger()
	logger.Info().Msg("applying probe auto-fix")

	res, err := p.exec.Execute(ctx, runner.Command{
		Line:    action.Line,
		Dir:     root,
		Timeout: p.cfg.CheckTimeout,
		Kind:    "fix",
	})
	ok := err == nil && res.Success()
	applied := AppliedFix{Fix: name, Command: action.Line, Success: ok}
	if !ok {
		applied.Output = firstLines(res.Output(), 5)
		logger.Warn().Err(err).Msg("probe auto-fix failed")
	}
	report.FixesApplied = append(report.FixesApplied, applied)
	p.metrics.RecordFix(name, "probe")

	p.sink.Append(audit.NewRecord(audit.PhaseProbe, "auto_fix", map[string]any{
		"run_id":  report.RunID,
		"fix":     name,
		"command": action.Line,
		"success": ok,
	}))
	return ok
}

// learn records the outcome of an auto-fix against one issue's signature.
func (p *Prober) learn(sig memory.Signature, name string, action toolchain.Action, ok bool) {
	if p.memory == nil {
		return
	}
	fix := memory.Fix{Name: name, Toolchain: action.Toolchain, Command: action.Line}
	if _, err := p.memory.Record(sig, fix); err != nil {
		return
	}
	if ok {
		_, _ = p.memory.RecordSuccess(sig)
	} else {
		_, _ = p.memory.RecordFailure(sig)
	}
}
