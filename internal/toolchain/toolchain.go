package toolchain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"remedy-engine/internal/runner"
)

// Action is a concrete command line that carries out a named fix.
type Action struct {
	Toolchain string            `json:"toolchain"`
	Line      string            `json:"line"`
	Requires  runner.Capability `json:"requires"`
}

// Toolchain knows how one ecosystem builds a project and how it carries out
// named fixes.
type Toolchain interface {
	// Name returns the toolchain identifier (e.g., "node", "python", "go").
	Name() string

	// Detect reports whether the project at root uses this toolchain.
	Detect(root string) bool

	// Lockfiles lists lockfile names this toolchain maintains, relative to root.
	Lockfiles() []string

	// BuildCommand returns the default build for a project at root.
	BuildCommand(root string) Action

	// FixCommand maps a fix name and the groups captured from the failure
	// message to a command. It returns false when the toolchain has no
	// executable action for that fix.
	FixCommand(root, fix string, groups map[string]string) (Action, bool)
}

// Compiler is implemented by toolchains that can type-check a project
// without producing artifacts.
type Compiler interface {
	CompileCommand(root string) (Action, bool)
}

// Registry maps toolchain names to implementations in a fixed order.
type Registry struct {
	order      []string
	toolchains map[string]Toolchain
}

// NewRegistry creates a registry with all supported toolchains. The shell
// toolchain is registered last and matches every project.
func NewRegistry() *Registry {
	r := &Registry{
		toolchains: make(map[string]Toolchain),
	}
	r.Register(&NodeToolchain{})
	r.Register(&PythonToolchain{})
	r.Register(&GoToolchain{})
	r.Register(&ShellToolchain{})
	return r
}

// Register adds a toolchain to the registry, replacing one with the same name.
func (r *Registry) Register(t Toolchain) {
	if _, ok := r.toolchains[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.toolchains[t.Name()] = t
}

// Get returns the toolchain with the given name.
func (r *Registry) Get(name string) (Toolchain, error) {
	t, ok := r.toolchains[name]
	if !ok {
		names := append([]string(nil), r.order...)
		sort.Strings(names)
		return nil, fmt.Errorf("unsupported toolchain: %q (supported: %s)", name, strings.Join(names, ", "))
	}
	return t, nil
}

// Detect returns the toolchains used by the project at root, in registration order.
func (r *Registry) Detect(root string) []Toolchain {
	var found []Toolchain
	for _, name := range r.order {
		if t := r.toolchains[name]; t.Detect(root) {
			found = append(found, t)
		}
	}
	return found
}

// ResolveFix finds the first detected toolchain with an executable action for
// fix whose required capability is available.
func (r *Registry) ResolveFix(root, fix string, groups map[string]string, available func(runner.Capability) bool) (Action, bool) {
	for _, t := range r.Detect(root) {
		a, ok := t.FixCommand(root, fix, groups)
		if !ok {
			continue
		}
		if available != nil && a.Requires != "" && !available(a.Requires) {
			continue
		}
		return a, true
	}
	return Action{}, false
}

// DefaultBuild picks the build command of the first detected ecosystem
// toolchain. It returns false when only the shell toolchain matched.
func (r *Registry) DefaultBuild(root string) (Action, bool) {
	for _, t := range r.Detect(root) {
		if t.Name() == "shell" {
			continue
		}
		return t.BuildCommand(root), true
	}
	return Action{}, false
}

func fileExists(root string, name string) bool {
	info, err := os.Stat(filepath.Join(root, name))
	return err == nil && !info.IsDir()
}

// packageToken reports whether s is safe to splice into a command line as a
// package name.
func packageToken(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/") {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '/', c == '@', c == '~':
		default:
			return false
		}
	}
	return true
}
