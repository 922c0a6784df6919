package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/broadcast"
	"remedy-engine/internal/guardian"
	"remedy-engine/internal/prober"
	"remedy-engine/internal/runner"
	"remedy-engine/internal/supervisor"
)

type fakeProber struct {
	report *prober.Report
	calls  int
}

func (f *fakeProber) Run(context.Context, string) *prober.Report {
	f.calls++
	return f.report
}

type fakeBuilder struct {
	result *supervisor.Result
	reqs   []supervisor.Request
	panics bool
}

func (f *fakeBuilder) Run(_ context.Context, req supervisor.Request) *supervisor.Result {
	f.reqs = append(f.reqs, req)
	if f.panics {
		panic("builder exploded")
	}
	return f.result
}

type fakeExec struct {
	startErr error
	started  []runner.Command
}

func (f *fakeExec) Execute(context.Context, runner.Command) (*runner.Result, error) {
	return &runner.Result{}, nil
}

func (f *fakeExec) Start(_ context.Context, c runner.Command) error {
	f.started = append(f.started, c)
	return f.startErr
}

func (f *fakeExec) Available(runner.Capability) bool { return true }

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Append(r audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(event string, _ any) { p.events = append(p.events, event) }

func okBuild() *supervisor.Result {
	return &supervisor.Result{Success: true, State: supervisor.StateSucceeded, Attempt: 1}
}

func TestRunFullDeploy_Success(t *testing.T) {
	p := &fakeProber{report: &prober.Report{}}
	b := &fakeBuilder{result: okBuild()}
	exec := &fakeExec{}
	g := guardian.New(time.Second)
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	o := New(p, b, g, exec, WithAudit(sink), WithPublisher(pub))

	res := o.RunFullDeploy(context.Background(), "/srv/app", "make", "./app serve")
	defer g.Stop()

	assert.True(t, res.Success)
	assert.Equal(t, StageRunning, res.Stage)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.GuardianStarted)
	assert.True(t, g.Running())
	require.NotNil(t, res.Start)
	assert.True(t, res.Start.Started)

	require.Len(t, b.reqs, 1)
	assert.Equal(t, supervisor.Request{Root: "/srv/app", BuildCommand: "make"}, b.reqs[0])
	require.Len(t, exec.started, 1)
	assert.Equal(t, runner.Command{Line: "./app serve", Dir: "/srv/app", Kind: "start"}, exec.started[0])

	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.PhaseDeploy, sink.records[0].Phase)
	assert.Equal(t, true, sink.records[0].Details["success"])
	assert.Equal(t, []string{broadcast.EventDeployCompleted}, pub.events)
}

func TestRunFullDeploy_BlockedProbeSkipsBuild(t *testing.T) {
	p := &fakeProber{report: &prober.Report{Blocked: true, Critical: 2, UnresolvedTotal: 2}}
	b := &fakeBuilder{result: okBuild()}
	exec := &fakeExec{}
	g := guardian.New(time.Second)
	o := New(p, b, g, exec)

	res := o.RunFullDeploy(context.Background(), "/srv/app", "", "./app")

	assert.False(t, res.Success)
	assert.Equal(t, StageProbe, res.Stage)
	assert.Contains(t, res.Error, "blocked")
	assert.Empty(t, b.reqs, "no build after a blocked probe")
	assert.Empty(t, exec.started)
	assert.False(t, g.Running())
	assert.Nil(t, res.Build)
}

func TestRunFullDeploy_FailedBuildSkipsStart(t *testing.T) {
	p := &fakeProber{report: &prober.Report{}}
	b := &fakeBuilder{result: &supervisor.Result{
		Escalated: true,
		State:     supervisor.StateEscalated,
		Attempt:   3,
		Reason:    supervisor.ReasonRetriesExhausted,
		Error:     "exit status 1",
	}}
	exec := &fakeExec{}
	g := guardian.New(time.Second)
	o := New(p, b, g, exec)

	res := o.RunFullDeploy(context.Background(), "/srv/app", "make", "./app")

	assert.False(t, res.Success)
	assert.Equal(t, StageBuild, res.Stage)
	assert.Contains(t, res.Error, supervisor.ReasonRetriesExhausted)
	assert.Empty(t, exec.started)
	assert.False(t, g.Running())
	assert.False(t, res.GuardianStarted)
}

func TestRunFullDeploy_StartFailureIsNotFatal(t *testing.T) {
	exec := &fakeExec{startErr: errors.New("exec: \"./app\": permission denied")}
	g := guardian.New(time.Second)
	o := New(&fakeProber{report: &prober.Report{}}, &fakeBuilder{result: okBuild()}, g, exec)

	res := o.RunFullDeploy(context.Background(), "/srv/app", "make", "./app")
	defer g.Stop()

	assert.True(t, res.Success)
	require.NotNil(t, res.Start)
	assert.False(t, res.Start.Started)
	assert.Contains(t, res.Start.Error, "permission denied")
	assert.True(t, res.GuardianStarted)
}

func TestRunFullDeploy_NoStartCommandOrGuardian(t *testing.T) {
	exec := &fakeExec{}
	o := New(&fakeProber{report: &prober.Report{}}, &fakeBuilder{result: okBuild()}, nil, exec)

	res := o.RunFullDeploy(context.Background(), "/srv/app", "", "")
	assert.True(t, res.Success)
	assert.Nil(t, res.Start)
	assert.False(t, res.GuardianStarted)
	assert.Empty(t, exec.started)
}

func TestRunFullDeploy_PanicBecomesFailure(t *testing.T) {
	sink := &recordingSink{}
	o := New(&fakeProber{report: &prober.Report{}}, &fakeBuilder{panics: true}, nil, &fakeExec{}, WithAudit(sink))

	res := o.RunFullDeploy(context.Background(), "/srv/app", "make", "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "builder exploded")
	require.Len(t, sink.records, 1)
	assert.Equal(t, false, sink.records[0].Details["success"])
}
