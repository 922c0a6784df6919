package toolchain

import (
	"path/filepath"
	"strconv"
	"strings"

	"remedy-engine/internal/runner"
)

// ShellToolchain carries out fixes that need only POSIX tools. It matches
// every project.
type ShellToolchain struct{}

func (s *ShellToolchain) Name() string { return "shell" }

func (s *ShellToolchain) Detect(string) bool { return true }

func (s *ShellToolchain) Lockfiles() []string { return nil }

func (s *ShellToolchain) BuildCommand(root string) Action {
	if fileExists(root, "Makefile") {
		return Action{Toolchain: s.Name(), Line: "make", Requires: "make"}
	}
	return Action{Toolchain: s.Name(), Line: "true", Requires: runner.CapShell}
}

func (s *ShellToolchain) FixCommand(root, fix string, groups map[string]string) (Action, bool) {
	switch fix {
	case "kill_process":
		port, err := strconv.Atoi(groups["port"])
		if err != nil || port < 1 || port > 65535 {
			return Action{}, false
		}
		p := strconv.Itoa(port)
		return Action{
			Toolchain: s.Name(),
			Line:      "pids=$(lsof -t -iTCP:" + p + " -sTCP:LISTEN); [ -z \"$pids\" ] || kill $pids",
			Requires:  "lsof",
		}, true
	case "wait_and_retry":
		return Action{Toolchain: s.Name(), Line: "sleep 5", Requires: runner.CapShell}, true
	case "populate_env_from_example":
		for _, example := range []string{".env.example", ".env.sample", ".env.template"} {
			if fileExists(root, example) {
				return Action{Toolchain: s.Name(), Line: "[ -f .env ] || cp " + example + " .env", Requires: runner.CapShell}, true
			}
		}
		return Action{}, false
	case "fix_permissions":
		path := groups["path"]
		if path == "" || !within(root, path) {
			return Action{}, false
		}
		return Action{Toolchain: s.Name(), Line: "chmod -R u+rwX '" + strings.ReplaceAll(path, "'", "") + "'", Requires: runner.CapShell}, true
	}
	return Action{}, false
}

// within reports whether path lies inside root.
func within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../") && !filepath.IsAbs(rel)
}
