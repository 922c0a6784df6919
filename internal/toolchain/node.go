package toolchain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"remedy-engine/internal/runner"
)

// NodeToolchain handles npm projects.
type NodeToolchain struct{}

func (n *NodeToolchain) Name() string { return "node" }

func (n *NodeToolchain) Detect(root string) bool { return fileExists(root, "package.json") }

func (n *NodeToolchain) Lockfiles() []string {
	return []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml"}
}

func (n *NodeToolchain) BuildCommand(root string) Action {
	if hasScript(root, "build") {
		return n.action("npm run build")
	}
	return n.action("npm install")
}

func (n *NodeToolchain) CompileCommand(root string) (Action, bool) {
	if !fileExists(root, "tsconfig.json") {
		return Action{}, false
	}
	return Action{Toolchain: n.Name(), Line: "npx --no-install tsc --noEmit", Requires: runner.CapTypeScript}, true
}

func (n *NodeToolchain) FixCommand(root, fix string, groups map[string]string) (Action, bool) {
	switch fix {
	case "regenerate_lockfile":
		return n.action("npm install --package-lock-only --no-audit --no-fund"), true
	case "install_dependency":
		pkg := NodePackage(groups["module"])
		if !packageToken(pkg) {
			return Action{}, false
		}
		return n.action("npm install --no-audit --no-fund " + pkg), true
	case "reinstall_dependencies":
		return n.action("rm -rf node_modules && npm install --no-audit --no-fund"), true
	case "clear_cache":
		return n.action("npm cache clean --force"), true
	case "install_legacy_peer_deps":
		return n.action("npm install --legacy-peer-deps --no-audit --no-fund"), true
	case "clean_build_artifacts":
		return n.action("rm -rf dist build .next .turbo"), true
	}
	return Action{}, false
}

func (n *NodeToolchain) action(line string) Action {
	return Action{Toolchain: n.Name(), Line: line, Requires: runner.CapNode}
}

// NodePackage reduces a module specifier to the installable package name:
// "lodash/fp" is "lodash" and "@scope/pkg/sub" is "@scope/pkg". Relative and
// node: builtin specifiers are not installable.
func NodePackage(spec string) string {
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "node:") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// PackageJSON is the subset of package.json the engine reads.
type PackageJSON struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// ReadPackageJSON parses root/package.json.
func ReadPackageJSON(root string) (*PackageJSON, error) {
	data, err := os.ReadFile(filepath.Join(root, "package.json")) // #nosec G304 -- project file under the probed root
	if err != nil {
		return nil, err
	}
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// AllDependencies returns every declared dependency name, runtime and dev.
func (p *PackageJSON) AllDependencies() map[string]string {
	out := make(map[string]string, len(p.Dependencies)+len(p.DevDependencies))
	for k, v := range p.DevDependencies {
		out[k] = v
	}
	for k, v := range p.Dependencies {
		out[k] = v
	}
	return out
}

func hasScript(root, name string) bool {
	pkg, err := ReadPackageJSON(root)
	if err != nil {
		return false
	}
	_, ok := pkg.Scripts[name]
	return ok
}
