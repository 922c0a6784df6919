package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Container states reported by a ContainerInspector.
const (
	StateRunning = "running"
	StatePaused  = "paused"
	StateStopped = "stopped"
	StateMissing = "missing"
	StateUnknown = "unknown"
)

// ContainerInspector reports and restores the state of named containers.
type ContainerInspector interface {
	State(ctx context.Context, id string) (string, error)
	Restart(ctx context.Context, id string) error
}

// ContainerdClient wraps the containerd client with connection management.
type ContainerdClient struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	inner  *containerd.Client
	closed bool
}

// NewContainerdClient connects to containerd and verifies the connection.
func NewContainerdClient(ctx context.Context, socket, namespace string) (*ContainerdClient, error) {
	inner, err := dialContainerd(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &ContainerdClient{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", ErrContainerdDown, socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: health check failed: %v", ErrContainerdDown, err)
	}
	return inner, nil
}

func (c *ContainerdClient) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *ContainerdClient) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Reconnect attempts to re-establish the containerd connection.
func (c *ContainerdClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inner != nil {
		_ = c.inner.Close()
	}
	inner, err := dialContainerd(ctx, c.socket, c.namespace)
	if err != nil {
		return err
	}
	c.inner = inner
	c.closed = false

	log.Info().Msg("reconnected to containerd")
	return nil
}

func (c *ContainerdClient) client() (*containerd.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.inner == nil {
		return nil, ErrContainerdDown
	}
	return c.inner, nil
}

// State returns the task status of a container.
func (c *ContainerdClient) State(ctx context.Context, id string) (string, error) {
	cl, err := c.client()
	if err != nil {
		return StateUnknown, err
	}
	ctx = c.withNamespace(ctx)

	container, err := cl.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return StateUnknown, fmt.Errorf("loading container %s: %w", id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateStopped, nil
		}
		return StateUnknown, fmt.Errorf("loading task %s: %w", id, err)
	}
	status, err := task.Status(ctx)
	if err != nil {
		return StateUnknown, fmt.Errorf("task status %s: %w", id, err)
	}

	switch status.Status {
	case containerd.Running:
		return StateRunning, nil
	case containerd.Paused, containerd.Pausing:
		return StatePaused, nil
	case containerd.Stopped, containerd.Created:
		return StateStopped, nil
	default:
		return StateUnknown, nil
	}
}

// Restart resumes a paused task, or replaces a stopped task with a fresh one
// that has no attached IO.
func (c *ContainerdClient) Restart(ctx context.Context, id string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	ctx = c.withNamespace(ctx)
	logger := log.With().Str("container_id", id).Logger()

	container, err := cl.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("loading container %s: %w", id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Paused {
			logger.Info().Msg("resuming paused task")
			return task.Resume(ctx)
		}
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("deleting stale task %s: %w", id, err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", id, err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(context.Background(), containerd.WithProcessKill)
		return fmt.Errorf("starting task %s: %w", id, err)
	}

	logger.Info().Uint32("pid", task.Pid()).Msg("container task restarted")
	return nil
}

// Close shuts down the containerd client.
func (c *ContainerdClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// DockerCLI inspects containers through the docker command line using an
// Executor, for hosts without a containerd socket.
type DockerCLI struct {
	exec    Executor
	timeout time.Duration
}

func NewDockerCLI(e Executor) *DockerCLI {
	return &DockerCLI{exec: e, timeout: 15 * time.Second}
}

func (d *DockerCLI) State(ctx context.Context, id string) (string, error) {
	if !d.exec.Available(CapDocker) {
		return StateUnknown, ErrUnavailable
	}
	res, err := d.exec.Execute(ctx, Command{
		Line:    fmt.Sprintf("docker inspect -f '{{.State.Status}}' %s", shellQuote(id)),
		Timeout: d.timeout,
		Kind:    "monitor",
	})
	if err != nil {
		return StateUnknown, err
	}
	if !res.Success() {
		if strings.Contains(strings.ToLower(res.Stderr), "no such") {
			return StateMissing, nil
		}
		return StateUnknown, fmt.Errorf("docker inspect %s: exit %d: %s", id, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	switch strings.TrimSpace(res.Stdout) {
	case "running":
		return StateRunning, nil
	case "paused":
		return StatePaused, nil
	case "exited", "created", "dead":
		return StateStopped, nil
	default:
		return StateUnknown, nil
	}
}

func (d *DockerCLI) Restart(ctx context.Context, id string) error {
	if !d.exec.Available(CapDocker) {
		return ErrUnavailable
	}
	res, err := d.exec.Execute(ctx, Command{
		Line:    "docker restart " + shellQuote(id),
		Timeout: d.timeout * 4,
		Kind:    "monitor",
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("docker restart %s: exit %d: %s", id, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
