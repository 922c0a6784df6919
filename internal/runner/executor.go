package runner

import (
	"context"
	"time"
)

// Capability names something the host must provide before a command that
// depends on it can run. Capabilities other than the named constants are
// treated as executable names and resolved on PATH.
type Capability string

const (
	CapShell      Capability = "sh"
	CapDocker     Capability = "docker"
	CapContainerd Capability = "containerd"
	CapNode       Capability = "npm"
	CapPython     Capability = "pip"
	CapGo         Capability = "go"
	CapTypeScript Capability = "npx"
)

// Command is one shell command line to run.
type Command struct {
	Line    string
	Dir     string
	Timeout time.Duration
	Env     []string
	Kind    string // metrics label: build, fix, probe, start, monitor
}

// Result is what a finished command produced. A non-zero ExitCode is not an
// error; errors are reserved for commands that could not run or timed out.
type Result struct {
	ID       string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Output joins stderr and stdout, stderr first since failure text usually
// lands there.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stderr + "\n" + r.Stdout
	}
}

// Executor runs commands on behalf of the engine.
type Executor interface {
	// Execute runs the command to completion. On timeout the partial result
	// is returned together with ErrTimeout.
	Execute(ctx context.Context, cmd Command) (*Result, error)
	// Start launches the command detached and returns once it has started.
	Start(ctx context.Context, cmd Command) error
	// Available reports whether a capability is present on this host.
	Available(cap Capability) bool
}
