package guardian

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"remedy-engine/internal/config"
	"remedy-engine/internal/runner"
)

// Dependencies dials external endpoints the running system relies on.
type Dependencies struct {
	Targets []config.Dependency
	Client  *http.Client
	// RetryDelay is how long Repair waits before dialing again.
	RetryDelay time.Duration
}

func (d *Dependencies) Name() string { return MonitorDependencies }

func (d *Dependencies) Check(ctx context.Context) Result {
	details := make(map[string]any, len(d.Targets))
	var down []string
	for _, t := range d.Targets {
		if err := d.probe(ctx, t); err != nil {
			details[t.Name] = err.Error()
			down = append(down, t.Name)
			continue
		}
		details[t.Name] = "ok"
	}
	if len(down) > 0 {
		return Result{
			Healthy: false,
			Message: fmt.Sprintf("unreachable: %s", strings.Join(down, ", ")),
			Details: map[string]any{"targets": details, "down": down},
		}
	}
	return Result{Healthy: true, Details: map[string]any{"targets": details}}
}

// Repair waits and dials the failed targets again. Endpoints that recovered
// on their own count as repaired.
func (d *Dependencies) Repair(ctx context.Context, res Result) error {
	down, _ := res.Details["down"].([]string)
	if len(down) == 0 {
		return nil
	}
	delay := d.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	var still []string
	for _, name := range down {
		for _, t := range d.Targets {
			if t.Name == name && d.probe(ctx, t) != nil {
				still = append(still, name)
			}
		}
	}
	if len(still) > 0 {
		return fmt.Errorf("still unreachable: %s", strings.Join(still, ", "))
	}
	return nil
}

func (d *Dependencies) probe(ctx context.Context, t config.Dependency) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if t.Kind == "http" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Address, nil)
		if err != nil {
			return err
		}
		client := d.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Containers watches container state and restarts stopped containers.
type Containers struct {
	IDs       []string
	Inspector runner.ContainerInspector
}

func (c *Containers) Name() string { return MonitorContainers }

func (c *Containers) Check(ctx context.Context) Result {
	if c.Inspector == nil || len(c.IDs) == 0 {
		return Result{Healthy: true, Message: "no containers to watch"}
	}
	states := make(map[string]any, len(c.IDs))
	var bad []string
	for _, id := range c.IDs {
		state, err := c.Inspector.State(ctx, id)
		if err != nil {
			if runner.IsUnavailable(err) || errors.Is(err, runner.ErrContainerdDown) {
				return Result{Healthy: true, Message: "container runtime unavailable"}
			}
			state = runner.StateUnknown
		}
		states[id] = state
		if state != runner.StateRunning {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		return Result{
			Healthy: false,
			Message: fmt.Sprintf("not running: %s", strings.Join(bad, ", ")),
			Details: map[string]any{"states": states, "unhealthy": bad},
		}
	}
	return Result{Healthy: true, Details: map[string]any{"states": states}}
}

// Repair restarts every container the check found not running, except
// ones that no longer exist.
func (c *Containers) Repair(ctx context.Context, res Result) error {
	bad, _ := res.Details["unhealthy"].([]string)
	states, _ := res.Details["states"].(map[string]any)
	var errs []string
	restarted := 0
	for _, id := range bad {
		if states[id] == runner.StateMissing {
			continue
		}
		if err := c.Inspector.Restart(ctx, id); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		restarted++
	}
	if len(errs) > 0 {
		return fmt.Errorf("restart failed: %s", strings.Join(errs, "; "))
	}
	if restarted == 0 {
		return ErrNoRepair
	}
	return nil
}
