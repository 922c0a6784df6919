package prober

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Check names.
const (
	CheckLockfiles = "lockfile_consistency"
	CheckImports   = "import_resolution"
	CheckEnv       = "env_completeness"
	CheckNamespace = "namespace_collisions"
	CheckCompose   = "compose_sanity"
	CheckCerts     = "cert_expiry"
	CheckBinaries  = "native_binaries"
	CheckCompile   = "typed_compilation"
)

// DefaultChecks returns the standard battery.
func DefaultChecks() []Check {
	return []Check{
		{Name: CheckLockfiles, Run: checkLockfiles},
		{Name: CheckImports, Run: checkImports},
		{Name: CheckEnv, Run: checkEnv},
		{Name: CheckNamespace, Run: checkNamespace},
		{Name: CheckCompose, Run: checkCompose},
		{Name: CheckCerts, Run: checkCerts},
		{Name: CheckBinaries, Run: checkBinaries},
		{Name: CheckCompile, Run: checkCompile},
	}
}

// maxWalkedFiles stops source walks on very large trees.
const maxWalkedFiles = 5000

var errWalkLimit = errors.New("walk limit reached")

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

// walkFiles calls fn for each regular file under root with one of exts
// (all files when exts is empty), skipping dependency and output
// directories.
func walkFiles(ctx context.Context, root string, exts []string, fn func(path string)) {
	seen := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !hasExt(path, exts) {
			return nil
		}
		seen++
		if seen > maxWalkedFiles {
			return errWalkLimit
		}
		fn(path)
		return nil
	})
}

func hasExt(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func rel(root, path string) string {
	if r, err := filepath.Rel(root, path); err == nil {
		return r
	}
	return path
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// firstLines returns at most n non-empty lines of s, capped at 500 bytes.
func firstLines(s string, n int) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	joined := strings.Join(out, "\n")
	if len(joined) > 500 {
		joined = joined[:500]
	}
	return joined
}

// readRequirements returns normalized distribution names from
// requirements.txt.
func readRequirements(root string) []string {
	f, err := os.Open(filepath.Join(root, "requirements.txt")) // #nosec G304 -- project file under the probed root
	if err != nil {
		return nil
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "=<>!~;[ @"); i >= 0 {
			line = line[:i]
		}
		if line != "" {
			names = append(names, normalizeDist(line))
		}
	}
	return names
}

func normalizeDist(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}
