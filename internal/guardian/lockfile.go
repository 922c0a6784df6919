package guardian

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"remedy-engine/internal/runner"
	"remedy-engine/internal/toolchain"
)

type driftPair struct {
	toolchain string
	manifest  string
	lockfiles []string
	required  bool // a missing lockfile counts as drift
}

var driftPairs = []driftPair{
	{toolchain: "go", manifest: "go.mod", lockfiles: []string{"go.sum"}},
	{toolchain: "node", manifest: "package.json", lockfiles: []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml"}, required: true},
	{toolchain: "python", manifest: "pyproject.toml", lockfiles: []string{"poetry.lock", "uv.lock"}},
}

// LockfileDrift reports manifests edited after their lockfile. A filesystem
// watcher limits rescans to ticks where a watched file changed.
type LockfileDrift struct {
	root     string
	registry *toolchain.Registry
	exec     runner.Executor
	timeout  time.Duration
	watcher  *fsnotify.Watcher
	watched  map[string]bool

	mu      sync.Mutex
	changed map[string]time.Time
	checked bool
	last    Result
}

// NewLockfileDrift watches root. When the watcher cannot be created the
// monitor rescans on every tick.
func NewLockfileDrift(root string, registry *toolchain.Registry, exec runner.Executor, timeout time.Duration) *LockfileDrift {
	l := &LockfileDrift{
		root:     root,
		registry: registry,
		exec:     exec,
		timeout:  timeout,
		watched:  make(map[string]bool),
		changed:  make(map[string]time.Time),
	}
	for _, p := range driftPairs {
		l.watched[p.manifest] = true
		for _, lf := range p.lockfiles {
			l.watched[lf] = true
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("lockfile watcher unavailable, rescanning every tick")
		return l
	}
	if err := watcher.Add(root); err != nil {
		log.Warn().Err(err).Str("root", root).Msg("lockfile watcher unavailable, rescanning every tick")
		watcher.Close()
		return l
	}
	l.watcher = watcher
	go l.watchLoop()
	return l
}

func (l *LockfileDrift) Name() string { return MonitorLockfileDrift }

// Close stops the watcher.
func (l *LockfileDrift) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

func (l *LockfileDrift) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if !l.watched[name] {
				continue
			}
			l.mu.Lock()
			l.changed[name] = time.Now()
			l.mu.Unlock()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("lockfile watcher error")
		}
	}
}

// pending returns how many watched files changed since the last check.
func (l *LockfileDrift) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changed)
}

func (l *LockfileDrift) Check(ctx context.Context) Result {
	l.mu.Lock()
	changed := l.changed
	l.changed = make(map[string]time.Time)
	cached := l.checked && l.watcher != nil && len(changed) == 0
	last := l.last
	l.mu.Unlock()
	if cached {
		return last
	}

	var drifted, reasons []string
	for _, p := range driftPairs {
		manifest, err := os.Stat(filepath.Join(l.root, p.manifest))
		if err != nil {
			continue
		}
		lock, lockName := l.lockfile(p)
		switch {
		case lock == nil && p.required:
			drifted = append(drifted, p.toolchain)
			reasons = append(reasons, fmt.Sprintf("%s has no lockfile", p.manifest))
		case lock != nil && manifest.ModTime().After(lock.ModTime()):
			drifted = append(drifted, p.toolchain)
			reasons = append(reasons, fmt.Sprintf("%s changed after %s", p.manifest, lockName))
		}
	}

	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)

	res := Result{Healthy: true, Details: map[string]any{"changed": names}}
	if len(drifted) > 0 {
		res = Result{
			Healthy: false,
			Message: strings.Join(reasons, "; "),
			Details: map[string]any{"changed": names, "toolchains": drifted},
		}
	}

	l.mu.Lock()
	l.checked = true
	l.last = res
	l.mu.Unlock()
	return res
}

func (l *LockfileDrift) lockfile(p driftPair) (os.FileInfo, string) {
	for _, name := range p.lockfiles {
		if info, err := os.Stat(filepath.Join(l.root, name)); err == nil {
			return info, name
		}
	}
	return nil, ""
}

// Repair regenerates the lockfile of every drifted toolchain.
func (l *LockfileDrift) Repair(ctx context.Context, res Result) error {
	drifted, _ := res.Details["toolchains"].([]string)
	if l.exec == nil || l.registry == nil || len(drifted) == 0 {
		return ErrNoRepair
	}
	var errs []string
	ran := 0
	for _, name := range drifted {
		t, err := l.registry.Get(name)
		if err != nil {
			continue
		}
		action, ok := t.FixCommand(l.root, "regenerate_lockfile", nil)
		if !ok || !l.exec.Available(action.Requires) {
			continue
		}
		ran++
		if err := runAction(ctx, l.exec, l.root, action, l.timeout); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("regenerating lockfiles: %s", strings.Join(errs, "; "))
	}
	if ran == 0 {
		return ErrNoRepair
	}
	// The regenerated lockfile may not produce a watch event before the
	// next tick.
	l.mu.Lock()
	l.checked = false
	l.mu.Unlock()
	return nil
}
