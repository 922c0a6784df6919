package prober

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/config"
	"remedy-engine/internal/memory"
	"remedy-engine/internal/patterns"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/toolchain"
)

type fakeExec struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*runner.Result
	missing map[runner.Capability]bool
}

func newFakeExec() *fakeExec {
	return &fakeExec{results: map[string]*runner.Result{}, missing: map[runner.Capability]bool{}}
}

func (f *fakeExec) Execute(_ context.Context, c runner.Command) (*runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c.Line)
	if r, ok := f.results[c.Line]; ok {
		out := *r
		return &out, nil
	}
	return &runner.Result{}, nil
}

func (f *fakeExec) Start(context.Context, runner.Command) error { return nil }

func (f *fakeExec) Available(c runner.Capability) bool { return !f.missing[c] }

func (f *fakeExec) count(line string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == line {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Append(r audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

const goModWithRequire = `module example.com/app

go 1.22

require github.com/pkg/errors v0.9.1
`

func testConfig(autoFix bool) config.ProberConfig {
	return config.ProberConfig{
		CheckTimeout:   10 * time.Second,
		CompileTimeout: 10 * time.Second,
		CertWarnDays:   7,
		AutoFix:        autoFix,
	}
}

func newProber(t *testing.T, exec runner.Executor, autoFix bool, opts ...Option) (*Prober, *memory.Memory) {
	t.Helper()
	mem, err := memory.New(nil)
	require.NoError(t, err)
	return New(testConfig(autoFix), exec, toolchain.NewRegistry(), patterns.NewDefault(), mem, opts...), mem
}

func TestRun_GoSumMissingIsAutoFixed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", goModWithRequire)

	exec := newFakeExec()
	sink := &recordingSink{}
	p, mem := newProber(t, exec, true, WithAudit(sink))

	report := p.Run(context.Background(), root)

	assert.False(t, report.Blocked)
	assert.Equal(t, 1, report.Critical)
	assert.Equal(t, 1, report.AutoFixed)
	assert.Empty(t, report.Unresolved)
	assert.Equal(t, 1, exec.count("go mod tidy"))
	require.Len(t, report.FixesApplied, 1)
	assert.True(t, report.FixesApplied[0].Success)
	assert.Len(t, report.Checks, 8)

	entries := mem.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "go_mod_tidy", entries[0].Fix.Name)
	assert.Equal(t, 1, entries[0].Successes)

	actions := map[string]bool{}
	for _, r := range sink.records {
		actions[r.Action] = true
	}
	assert.True(t, actions["auto_fix"])
	assert.True(t, actions["completed"])
}

func TestRun_AutoFixDisabledBlocks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", goModWithRequire)

	exec := newFakeExec()
	p, _ := newProber(t, exec, false)
	report := p.Run(context.Background(), root)

	assert.True(t, report.Blocked)
	assert.Zero(t, report.AutoFixed)
	assert.Zero(t, exec.count("go mod tidy"))
	require.NotEmpty(t, report.Unresolved)
	assert.Equal(t, "go_mod_tidy", report.Unresolved[0].Fix)
	assert.Equal(t, CheckLockfiles, report.Unresolved[0].Check)
}

func TestRun_FailedAutoFixStaysBlocked(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", goModWithRequire)

	exec := newFakeExec()
	exec.results["go mod tidy"] = &runner.Result{ExitCode: 1, Stderr: "go: network unreachable"}
	p, mem := newProber(t, exec, true)
	report := p.Run(context.Background(), root)

	assert.True(t, report.Blocked)
	require.Len(t, report.FixesApplied, 1)
	assert.False(t, report.FixesApplied[0].Success)
	assert.Contains(t, report.FixesApplied[0].Output, "network unreachable")

	entries := mem.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Failures)
}

func TestRun_PanickingCheckIsIsolated(t *testing.T) {
	exec := newFakeExec()
	p, _ := newProber(t, exec, false, WithChecks(
		Check{Name: "boom", Run: func(context.Context, *Project) []Issue { panic("kaboom") }},
		Check{Name: "ok", Run: func(context.Context, *Project) []Issue {
			return []Issue{{Severity: SeverityWarning, Message: "minor"}}
		}},
	))

	report := p.Run(context.Background(), t.TempDir())

	require.Len(t, report.Checks, 2)
	assert.Equal(t, "boom", report.Checks[0].Name)
	assert.Equal(t, "kaboom", report.Checks[0].Fault)
	assert.Zero(t, report.Checks[0].Issues)
	assert.Equal(t, 1, report.Checks[1].Issues)
	assert.False(t, report.Blocked)
}

func TestRun_UnresolvedSampleIsBounded(t *testing.T) {
	issues := func(context.Context, *Project) []Issue {
		var out []Issue
		for i := 0; i < 7; i++ {
			out = append(out, Issue{Severity: SeverityWarning, Message: "warn"})
		}
		return append(out, Issue{Severity: SeverityCritical, Message: "broken"})
	}
	p, _ := newProber(t, newFakeExec(), false, WithChecks(Check{Name: "many", Run: issues}))

	report := p.Run(context.Background(), t.TempDir())

	assert.True(t, report.Blocked)
	assert.Equal(t, 8, report.UnresolvedTotal)
	require.Len(t, report.Unresolved, maxUnresolvedSample)
	assert.Equal(t, SeverityCritical, report.Unresolved[0].Severity)
	assert.Equal(t, "many", report.Unresolved[0].Check)
}

func TestRun_SharedFixRunsOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", "module example.com/app\n\ngo 1.22\n")

	check := func(context.Context, *Project) []Issue {
		return []Issue{
			{Severity: SeverityCritical, Message: "first", Fix: "go_mod_tidy"},
			{Severity: SeverityCritical, Message: "second", Fix: "go_mod_tidy"},
			{Severity: SeverityWarning, Message: "destructive", Fix: "reinstall_dependencies"},
		}
	}
	exec := newFakeExec()
	p, mem := newProber(t, exec, true, WithChecks(Check{Name: "tidy", Run: check}))

	report := p.Run(context.Background(), root)

	assert.Equal(t, 1, exec.count("go mod tidy"))
	assert.Zero(t, exec.count("go mod download"))
	assert.Equal(t, 2, report.AutoFixed)
	assert.False(t, report.Blocked)
	require.Len(t, report.Unresolved, 1)
	assert.Equal(t, "destructive", report.Unresolved[0].Message)

	// Both issues learn from the one shared execution.
	for _, msg := range []string{"first", "second"} {
		e, ok := mem.Get(memory.SignatureOf(msg).Key)
		require.True(t, ok, msg)
		assert.Equal(t, 1, e.Occurrences, msg)
		assert.Equal(t, 1, e.Successes, msg)
		assert.Equal(t, "go_mod_tidy", e.Fix.Name, msg)
	}
}

func TestRun_TrustedMemoryFixAppliesToUnlabelledIssue(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", "module example.com/app\n\ngo 1.22\n")

	exec := newFakeExec()
	p, mem := newProber(t, exec, true, WithChecks(Check{Name: "learned", Run: func(context.Context, *Project) []Issue {
		return []Issue{{Severity: SeverityCritical, Message: "checksum table stale"}}
	}}))

	sig := memory.SignatureOf("checksum table stale")
	_, err := mem.Record(sig, memory.Fix{Name: "go_mod_tidy"})
	require.NoError(t, err)
	_, err = mem.RecordSuccess(sig)
	require.NoError(t, err)

	report := p.Run(context.Background(), root)

	assert.Equal(t, 1, exec.count("go mod tidy"))
	assert.Equal(t, 1, report.AutoFixed)
	assert.False(t, report.Blocked)
}

func TestDefaultChecks(t *testing.T) {
	p, _ := newProber(t, newFakeExec(), false)
	assert.Equal(t, []string{
		CheckLockfiles, CheckImports, CheckEnv, CheckNamespace,
		CheckCompose, CheckCerts, CheckBinaries, CheckCompile,
	}, p.Checks())
}
