package runner

import (
	"context"
	"strings"
	"testing"
)

// scriptedExecutor answers Execute with canned results keyed by command prefix.
type scriptedExecutor struct {
	available bool
	results   map[string]*Result
	lines     []string
}

func (s *scriptedExecutor) Execute(_ context.Context, c Command) (*Result, error) {
	s.lines = append(s.lines, c.Line)
	for prefix, res := range s.results {
		if strings.HasPrefix(c.Line, prefix) {
			return res, nil
		}
	}
	return &Result{ExitCode: 127, Stderr: "not scripted"}, nil
}

func (s *scriptedExecutor) Start(context.Context, Command) error { return nil }
func (s *scriptedExecutor) Available(Capability) bool            { return s.available }

func TestDockerCLI_State(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		want   string
	}{
		{"running", &Result{Stdout: "running\n"}, StateRunning},
		{"paused", &Result{Stdout: "paused\n"}, StatePaused},
		{"exited", &Result{Stdout: "exited\n"}, StateStopped},
		{"missing", &Result{ExitCode: 1, Stderr: "Error: No such object: web"}, StateMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &scriptedExecutor{available: true, results: map[string]*Result{"docker inspect": tt.result}}
			got, err := NewDockerCLI(exec).State(context.Background(), "web")
			if err != nil {
				t.Fatalf("State: %v", err)
			}
			if got != tt.want {
				t.Errorf("State = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDockerCLI_Unavailable(t *testing.T) {
	d := NewDockerCLI(&scriptedExecutor{available: false})
	if _, err := d.State(context.Background(), "web"); !IsUnavailable(err) {
		t.Errorf("State err = %v, want ErrUnavailable", err)
	}
	if err := d.Restart(context.Background(), "web"); !IsUnavailable(err) {
		t.Errorf("Restart err = %v, want ErrUnavailable", err)
	}
}

func TestDockerCLI_Restart(t *testing.T) {
	exec := &scriptedExecutor{available: true, results: map[string]*Result{"docker restart": {Stdout: "web\n"}}}
	if err := NewDockerCLI(exec).Restart(context.Background(), "web"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(exec.lines) != 1 || exec.lines[0] != "docker restart 'web'" {
		t.Errorf("lines = %v", exec.lines)
	}

	failing := &scriptedExecutor{available: true, results: map[string]*Result{"docker restart": {ExitCode: 1, Stderr: "boom"}}}
	if err := NewDockerCLI(failing).Restart(context.Background(), "web"); err == nil {
		t.Error("expected error for failed restart")
	}
}
