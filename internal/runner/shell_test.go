package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRunner() *ShellRunner {
	return NewShellRunner(ShellConfig{DefaultTimeout: 5 * time.Second, MaxConcurrent: 4})
}

func TestExecute_Success(t *testing.T) {
	r := newTestRunner()

	res, err := r.Execute(context.Background(), Command{Line: "echo hello; echo oops >&2"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "oops\n")
	}
	if !res.Success() {
		t.Error("Success() = false, want true")
	}
	if res.ID == "" {
		t.Error("expected a command ID")
	}
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	r := newTestRunner()

	res, err := r.Execute(context.Background(), Command{Line: "echo broken >&2; exit 3"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output(), "broken") {
		t.Errorf("Output() = %q, want it to contain stderr", res.Output())
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := newTestRunner()

	start := time.Now()
	res, err := r.Execute(context.Background(), Command{Line: "sleep 5", Timeout: 100 * time.Millisecond})
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Op != "run" {
		t.Errorf("err = %#v, want *ExecError{Op: run}", err)
	}
	if res == nil || res.ExitCode != -1 {
		t.Errorf("result = %+v, want ExitCode -1", res)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout took %s, command was not killed", elapsed)
	}
}

func TestExecute_Dir(t *testing.T) {
	r := newTestRunner()
	dir := t.TempDir()

	res, err := r.Execute(context.Background(), Command{Line: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestExecute_EmptyLine(t *testing.T) {
	r := newTestRunner()
	_, err := r.Execute(context.Background(), Command{})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("err = %v, want ErrInvalidCommand", err)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	r := NewShellRunner(ShellConfig{MaxConcurrent: 1})
	r.sem <- struct{}{} // occupy the only slot
	defer func() { <-r.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Execute(ctx, Command{Line: "true"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStart_Detached(t *testing.T) {
	r := newTestRunner()
	marker := filepath.Join(t.TempDir(), "started")

	if err := r.Start(context.Background(), Command{Line: "touch " + marker}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Close(5 * time.Second)

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("detached command did not run: %v", err)
	}
}

func TestAvailable_Cached(t *testing.T) {
	r := newTestRunner()
	calls := 0
	r.probe = func(c Capability) bool {
		calls++
		return c == CapShell
	}

	for i := 0; i < 3; i++ {
		if !r.Available(CapShell) {
			t.Error("Available(sh) = false, want true")
		}
		if r.Available(CapDocker) {
			t.Error("Available(docker) = true, want false")
		}
	}
	if calls != 2 {
		t.Errorf("probe called %d times, want 2", calls)
	}

	r.Forget(CapDocker)
	r.Available(CapDocker)
	if calls != 3 {
		t.Errorf("probe called %d times after Forget, want 3", calls)
	}
}

func TestAvailable_UnknownBinary(t *testing.T) {
	r := newTestRunner()
	if r.Available(Capability("definitely-not-a-real-binary-xyz")) {
		t.Error("Available(unknown binary) = true, want false")
	}
	if r.Available(CapContainerd) {
		t.Error("Available(containerd) with no socket configured = true, want false")
	}
}

func TestExecute_ShellUnavailable(t *testing.T) {
	r := newTestRunner()
	r.probe = func(Capability) bool { return false }

	_, err := r.Execute(context.Background(), Command{Line: "true"})
	if !IsUnavailable(err) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("short", 10); got != "short" {
		t.Errorf("truncateOutput(short) = %q", got)
	}
	got := truncateOutput(strings.Repeat("x", 20), 10)
	if !strings.HasPrefix(got, strings.Repeat("x", 10)) || !strings.Contains(got, "truncated") {
		t.Errorf("truncateOutput(long) = %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"web", "'web'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
