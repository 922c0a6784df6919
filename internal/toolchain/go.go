package toolchain

import (
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"

	"remedy-engine/internal/runner"
)

// GoToolchain handles Go modules.
type GoToolchain struct{}

func (g *GoToolchain) Name() string { return "go" }

func (g *GoToolchain) Detect(root string) bool { return fileExists(root, "go.mod") }

func (g *GoToolchain) Lockfiles() []string { return []string{"go.sum"} }

func (g *GoToolchain) BuildCommand(root string) Action {
	return g.action("go build ./...")
}

func (g *GoToolchain) CompileCommand(root string) (Action, bool) {
	return g.action("go vet ./..."), true
}

func (g *GoToolchain) FixCommand(root, fix string, groups map[string]string) (Action, bool) {
	switch fix {
	case "go_mod_tidy", "regenerate_lockfile":
		return g.action("go mod tidy"), true
	case "install_dependency":
		mod := groups["module"]
		if !packageToken(mod) {
			return Action{}, false
		}
		return g.action("go get " + mod), true
	case "reinstall_dependencies":
		return g.action("go mod download"), true
	case "clear_cache":
		return g.action("go clean -cache"), true
	case "clean_build_artifacts":
		return g.action("go clean ./..."), true
	}
	return Action{}, false
}

func (g *GoToolchain) action(line string) Action {
	return Action{Toolchain: g.Name(), Line: line, Requires: runner.CapGo}
}

// ReadGoMod parses root/go.mod.
func ReadGoMod(root string) (*modfile.File, error) {
	path := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(path) // #nosec G304 -- project file under the probed root
	if err != nil {
		return nil, err
	}
	return modfile.Parse(path, data, nil)
}
