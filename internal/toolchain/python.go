package toolchain

import (
	"remedy-engine/internal/runner"
)

// PythonToolchain handles pip-managed projects.
type PythonToolchain struct{}

func (p *PythonToolchain) Name() string { return "python" }

func (p *PythonToolchain) Detect(root string) bool {
	return fileExists(root, "requirements.txt") || fileExists(root, "pyproject.toml") || fileExists(root, "setup.py")
}

func (p *PythonToolchain) Lockfiles() []string {
	return []string{"poetry.lock", "Pipfile.lock", "uv.lock"}
}

func (p *PythonToolchain) BuildCommand(root string) Action {
	return Action{Toolchain: p.Name(), Line: "python3 -m compileall -q .", Requires: "python3"}
}

func (p *PythonToolchain) CompileCommand(root string) (Action, bool) {
	if !fileExists(root, "mypy.ini") && !fileExists(root, "py.typed") {
		return Action{}, false
	}
	return Action{Toolchain: p.Name(), Line: "mypy .", Requires: "mypy"}, true
}

func (p *PythonToolchain) FixCommand(root, fix string, groups map[string]string) (Action, bool) {
	switch fix {
	case "install_dependency":
		mod := groups["module"]
		if !packageToken(mod) {
			return Action{}, false
		}
		return p.action("pip install " + pythonDistribution(mod)), true
	case "reinstall_dependencies":
		if !fileExists(root, "requirements.txt") {
			return Action{}, false
		}
		return p.action("pip install -r requirements.txt"), true
	case "clear_cache":
		return p.action("pip cache purge"), true
	case "clean_build_artifacts":
		return Action{Toolchain: p.Name(), Line: "find . -name __pycache__ -type d -prune -exec rm -rf {} +", Requires: runner.CapShell}, true
	}
	return Action{}, false
}

func (p *PythonToolchain) action(line string) Action {
	return Action{Toolchain: p.Name(), Line: line, Requires: runner.CapPython}
}

// importAliases maps import names to the distribution that provides them
// where the two differ.
var importAliases = map[string]string{
	"yaml":    "pyyaml",
	"cv2":     "opencv-python",
	"PIL":     "pillow",
	"sklearn": "scikit-learn",
	"bs4":     "beautifulsoup4",
	"dotenv":  "python-dotenv",
	"jwt":     "pyjwt",
}

func pythonDistribution(module string) string {
	if d, ok := importAliases[module]; ok {
		return d
	}
	return module
}
