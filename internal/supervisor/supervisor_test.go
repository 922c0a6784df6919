package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remedy-engine/internal/broadcast"
	"remedy-engine/internal/config"
	"remedy-engine/internal/diagnose"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/patterns"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/toolchain"
)

const (
	buildCmd      = "npm run build"
	portInUse     = "Error: listen EADDRINUSE: address already in use :::3000"
	missingModule = "Error: Cannot find module 'lodash'"
	killPort3000  = `pids=$(lsof -t -iTCP:3000 -sTCP:LISTEN); [ -z "$pids" ] || kill $pids`
	installLodash = "npm install --no-audit --no-fund lodash"
	reinstallAll  = "rm -rf node_modules && npm install --no-audit --no-fund"
)

type step struct {
	res *runner.Result
	err error
}

func ok() step             { return step{res: &runner.Result{}} }
func fail(msg string) step { return step{res: &runner.Result{ExitCode: 1, Stderr: msg}} }

type scriptedExec struct {
	mu      sync.Mutex
	builds  []step
	fixes   map[string]*runner.Result
	missing map[runner.Capability]bool
	calls   []runner.Command
	nBuilds int
}

func newExec(builds ...step) *scriptedExec {
	return &scriptedExec{builds: builds, fixes: map[string]*runner.Result{}, missing: map[runner.Capability]bool{}}
}

func (e *scriptedExec) Execute(_ context.Context, c runner.Command) (*runner.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
	if c.Kind == "build" {
		s := e.builds[min(e.nBuilds, len(e.builds)-1)]
		e.nBuilds++
		return s.res, s.err
	}
	if r, ok := e.fixes[c.Line]; ok {
		return r, nil
	}
	return &runner.Result{}, nil
}

func (e *scriptedExec) Start(context.Context, runner.Command) error { return nil }

func (e *scriptedExec) Available(c runner.Capability) bool { return !e.missing[c] }

func (e *scriptedExec) fixLines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, c := range e.calls {
		if c.Kind == "fix" {
			out = append(out, c.Line)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

type stubDiagnoser struct{ text string }

func (d stubDiagnoser) Diagnose(context.Context, diagnose.Request) (string, error) {
	return d.text, nil
}

func nodeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"),
		[]byte(`{"name":"app","scripts":{"build":"tsc"}}`), 0o600))
	return root
}

func newSupervisor(t *testing.T, exec runner.Executor, opts ...Option) (*Supervisor, *memory.Memory) {
	t.Helper()
	mem, err := memory.New(nil)
	require.NoError(t, err)
	cfg := config.SupervisorConfig{MaxRetries: 3, BuildTimeout: time.Minute, FixTimeout: time.Minute}
	return New(cfg, exec, toolchain.NewRegistry(), patterns.NewDefault(), mem, opts...), mem
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	exec := newExec(ok())
	s, mem := newSupervisor(t, exec)

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Success)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 1, res.Attempt)
	assert.Empty(t, res.FixesApplied)
	assert.Zero(t, mem.Stats().Entries)
}

func TestRun_EscalatesAfterExactlyMaxRetries(t *testing.T) {
	exec := newExec(fail(missingModule), fail(missingModule), fail(missingModule), ok())
	s, mem := newSupervisor(t, exec)

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd, MaxRetries: 3})

	assert.False(t, res.Success)
	assert.True(t, res.Escalated)
	assert.Equal(t, StateEscalated, res.State)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, 3, exec.nBuilds)
	assert.Equal(t, ReasonRetriesExhausted, res.Reason)
	assert.Equal(t, "node_module_not_found", res.PatternID)
	assert.Equal(t, []string{"install_dependency", "reinstall_dependencies"}, res.FixNames())
	assert.Contains(t, res.Error, "Cannot find module")

	e, found := mem.Get(memory.SignatureOf(missingModule).Key)
	require.True(t, found)
	assert.Equal(t, 2, e.Occurrences)
	assert.Equal(t, 2, e.Failures)
	assert.Zero(t, e.Successes)
}

func TestRun_SuccessOnSecondAttemptValidatesFixOnce(t *testing.T) {
	exec := newExec(fail(portInUse), ok())
	pub := &recordingPublisher{}
	s, mem := newSupervisor(t, exec, WithPublisher(pub))

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempt)
	require.Len(t, res.FixesApplied, 1)
	assert.Equal(t, "kill_process", res.FixesApplied[0].Name)
	assert.Equal(t, SourcePattern, res.FixesApplied[0].Source)
	assert.Equal(t, []string{killPort3000}, exec.fixLines())

	e, found := mem.Get(memory.SignatureOf(portInUse).Key)
	require.True(t, found)
	assert.Equal(t, 1, e.Occurrences)
	assert.Equal(t, 1, e.Successes)
	assert.Zero(t, e.Failures)
	assert.Equal(t, "kill_process", e.Fix.Name)

	assert.Equal(t, []string{broadcast.EventFixApplied, broadcast.EventBuildSucceeded}, pub.events)
}

func TestRun_SkipsNonExecutableFixes(t *testing.T) {
	exec := newExec(fail("src/a.ts(1,1): error TS2304: Cannot find name 'x'."), ok())
	s, _ := newSupervisor(t, exec)

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempt)
	assert.Equal(t, []string{"clean_build_artifacts"}, res.FixNames())
}

func TestRun_UnrecognizedEscalatesImmediately(t *testing.T) {
	exec := newExec(fail("the flux capacitor exploded"))
	s, mem := newSupervisor(t, exec, WithDiagnoser(stubDiagnoser{text: "replace the capacitor"}))

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Escalated)
	assert.Equal(t, ReasonUnrecognized, res.Reason)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, 1, exec.nBuilds)
	assert.Empty(t, res.FixesApplied)
	assert.Equal(t, "the flux capacitor exploded", res.Error)
	assert.Equal(t, "replace the capacitor", res.Diagnosis)
	assert.Zero(t, mem.Stats().Entries)
}

func TestRun_ConsultsMemoryBeforePatterns(t *testing.T) {
	exec := newExec(fail(portInUse), ok())
	s, mem := newSupervisor(t, exec)

	sig := memory.SignatureOf(portInUse)
	_, err := mem.Record(sig, memory.Fix{Name: "wait_and_retry", Command: "sleep 5"})
	require.NoError(t, err)
	_, err = mem.RecordSuccess(sig)
	require.NoError(t, err)

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Success)
	require.Len(t, res.FixesApplied, 1)
	assert.Equal(t, "wait_and_retry", res.FixesApplied[0].Name)
	assert.Equal(t, SourceMemory, res.FixesApplied[0].Source)
	assert.Equal(t, []string{"sleep 5"}, exec.fixLines())

	e, _ := mem.Get(sig.Key)
	assert.Equal(t, 2, e.Occurrences)
	assert.Equal(t, 2, e.Successes)
}

func TestRun_FailedFixCommandTriesNextCandidate(t *testing.T) {
	exec := newExec(fail(missingModule), ok())
	exec.fixes[installLodash] = &runner.Result{ExitCode: 1, Stderr: "npm ERR! 404"}
	s, mem := newSupervisor(t, exec)

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempt)
	require.Len(t, res.FixesApplied, 2)
	assert.False(t, res.FixesApplied[0].Success)
	assert.Contains(t, res.FixesApplied[0].Output, "404")
	assert.True(t, res.FixesApplied[1].Success)
	assert.Equal(t, []string{installLodash, reinstallAll}, exec.fixLines())

	e, _ := mem.Get(memory.SignatureOf(missingModule).Key)
	assert.Equal(t, 2, e.Occurrences)
	assert.Equal(t, 1, e.Failures)
	assert.Equal(t, 1, e.Successes)
}

func TestRun_SkipsFixesWithUnavailableCapability(t *testing.T) {
	exec := newExec(fail(portInUse))
	exec.missing["lsof"] = true
	s, _ := newSupervisor(t, exec)

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Escalated)
	assert.Equal(t, ReasonNoExecutableFix, res.Reason)
	assert.Equal(t, "port_in_use", res.PatternID)
	assert.Empty(t, exec.fixLines())
}

func TestRun_TimeoutIsRetriedWithoutFix(t *testing.T) {
	timeout := step{res: &runner.Result{ExitCode: -1}, err: &runner.ExecError{Op: "run", Err: runner.ErrTimeout}}
	exec := newExec(timeout, ok())
	s, _ := newSupervisor(t, exec)

	res := s.Run(context.Background(), Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempt)
	assert.Empty(t, res.FixesApplied)
}

func TestRun_HonorsCanceledContext(t *testing.T) {
	exec := newExec(ok())
	s, _ := newSupervisor(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := s.Run(ctx, Request{Root: nodeProject(t), BuildCommand: buildCmd})

	assert.True(t, res.Escalated)
	assert.Equal(t, ReasonCanceled, res.Reason)
	assert.Zero(t, res.Attempt)
	assert.Zero(t, exec.nBuilds)
}

func TestRun_DefaultBuildCommand(t *testing.T) {
	exec := newExec(ok())
	s, _ := newSupervisor(t, exec)

	res := s.Run(context.Background(), Request{Root: nodeProject(t)})
	assert.True(t, res.Success)
	assert.Equal(t, "npm run build", res.Command)

	res = s.Run(context.Background(), Request{Root: t.TempDir()})
	assert.True(t, res.Escalated)
	assert.Equal(t, ReasonNoBuildCommand, res.Reason)
}

func TestTruncate_KeepsTailOnRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "build failed", 20, "build failed"},
		{"ascii tail", "0123456789", 4, "6789"},
		// "é" is two bytes; a cut inside it moves forward to the next rune.
		{"inside rune", "erreur: dépendance", 9, "pendance"},
		{"on rune start", "erreur: dépendance", 10, "épendance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.max)
		})
	}
}
