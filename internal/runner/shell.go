package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"remedy-engine/internal/telemetry"
)

const (
	maxStdout = 1 << 20
	maxStderr = 256 * 1024
)

// ShellConfig configures a ShellRunner.
type ShellConfig struct {
	Shell            string // defaults to "sh"
	DefaultTimeout   time.Duration
	MaxConcurrent    int
	ContainerdSocket string
	Metrics          *telemetry.Metrics
}

// ShellRunner executes command lines through `sh -c` on the local host and
// probes host capabilities once, caching the answer.
type ShellRunner struct {
	shell          string
	defaultTimeout time.Duration
	socket         string
	metrics        *telemetry.Metrics
	sem            chan struct{}
	active         atomic.Int64
	detached       sync.WaitGroup

	lookPath func(string) (string, error)
	probe    func(Capability) bool

	mu   sync.Mutex
	caps map[Capability]bool
}

func NewShellRunner(cfg ShellConfig) *ShellRunner {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 16
	}
	r := &ShellRunner{
		shell:          cfg.Shell,
		defaultTimeout: cfg.DefaultTimeout,
		socket:         cfg.ContainerdSocket,
		metrics:        cfg.Metrics,
		sem:            make(chan struct{}, cfg.MaxConcurrent),
		lookPath:       exec.LookPath,
		caps:           make(map[Capability]bool),
	}
	r.probe = r.probeCapability
	return r
}

func (r *ShellRunner) Execute(ctx context.Context, c Command) (*Result, error) {
	id := uuid.New().String()
	logger := log.With().Str("cmd_id", id).Str("kind", c.Kind).Logger()

	if c.Line == "" {
		return nil, &ExecError{ID: id, Op: "validate", Err: fmt.Errorf("%w: empty command line", ErrInvalidCommand)}
	}
	if !r.Available(CapShell) {
		return nil, &ExecError{ID: id, Op: "lookup_shell", Err: fmt.Errorf("%w: %s", ErrUnavailable, r.shell)}
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecError{ID: id, Op: "acquire_slot", Err: ctx.Err()}
	}
	r.active.Add(1)
	defer r.active.Add(-1)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.shell, "-c", c.Line) // #nosec G204 -- command lines come from the fix table or operator config
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug().Str("line", c.Line).Str("dir", c.Dir).Msg("running command")

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	r.metrics.ObserveCommand(kindLabel(c.Kind), duration.Seconds())

	res := &Result{
		ID:       id,
		Stdout:   truncateOutput(stdout.String(), maxStdout),
		Stderr:   truncateOutput(stderr.String(), maxStderr),
		Duration: duration,
	}

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res.ExitCode = -1
			logger.Warn().Dur("timeout", timeout).Msg("command timed out")
			return res, &ExecError{ID: id, Op: "run", Err: ErrTimeout}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, &ExecError{ID: id, Op: "run", Err: err}
		}
	}

	logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("duration", duration).
		Msg("command completed")

	return res, nil
}

// Start launches the command without waiting for it. The child is reaped in
// the background so it never lingers as a zombie.
func (r *ShellRunner) Start(ctx context.Context, c Command) error {
	id := uuid.New().String()
	if c.Line == "" {
		return &ExecError{ID: id, Op: "validate", Err: fmt.Errorf("%w: empty command line", ErrInvalidCommand)}
	}
	if err := ctx.Err(); err != nil {
		return &ExecError{ID: id, Op: "start", Err: err}
	}
	if !r.Available(CapShell) {
		return &ExecError{ID: id, Op: "lookup_shell", Err: fmt.Errorf("%w: %s", ErrUnavailable, r.shell)}
	}

	cmd := exec.Command(r.shell, "-c", c.Line) // #nosec G204 -- operator-supplied start command
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if err := cmd.Start(); err != nil {
		return &ExecError{ID: id, Op: "start", Err: err}
	}

	log.Info().Str("cmd_id", id).Int("pid", cmd.Process.Pid).Str("line", c.Line).Msg("started detached command")

	r.detached.Add(1)
	go func() {
		defer r.detached.Done()
		err := cmd.Wait()
		log.Info().Str("cmd_id", id).Err(err).Msg("detached command exited")
	}()
	return nil
}

// Available reports whether a capability is present. The first answer per
// capability is cached for the lifetime of the runner.
func (r *ShellRunner) Available(c Capability) bool {
	r.mu.Lock()
	if ok, found := r.caps[c]; found {
		r.mu.Unlock()
		return ok
	}
	r.mu.Unlock()

	ok := r.probe(c)

	r.mu.Lock()
	r.caps[c] = ok
	r.mu.Unlock()

	if !ok {
		log.Warn().Str("capability", string(c)).Msg("capability unavailable, dependent checks degrade to no-ops")
	}
	return ok
}

// Forget drops the cached answer for a capability so the next Available call
// probes again.
func (r *ShellRunner) Forget(c Capability) {
	r.mu.Lock()
	delete(r.caps, c)
	r.mu.Unlock()
}

func (r *ShellRunner) probeCapability(c Capability) bool {
	switch c {
	case CapShell:
		_, err := r.lookPath(r.shell)
		return err == nil
	case CapDocker:
		if _, err := r.lookPath("docker"); err != nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return exec.CommandContext(ctx, "docker", "info").Run() == nil
	case CapContainerd:
		if r.socket == "" {
			return false
		}
		info, err := os.Stat(r.socket)
		return err == nil && info.Mode()&os.ModeSocket != 0
	default:
		_, err := r.lookPath(string(c))
		return err == nil
	}
}

func (r *ShellRunner) ActiveCount() int64 {
	return r.active.Load()
}

// Close waits up to timeout for detached children to be reaped.
func (r *ShellRunner) Close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Debug().Msg("detached commands still running at shutdown")
	}
}

func kindLabel(kind string) string {
	if kind == "" {
		return "other"
	}
	return kind
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [output truncated]"
}
