package prober

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"remedy-engine/internal/toolchain"
)

func checkLockfiles(ctx context.Context, p *Project) []Issue {
	var issues []Issue
	if p.Has("go") {
		issues = append(issues, goSumIssues(p.Root)...)
	}
	if t := p.toolchain("node"); t != nil {
		issues = append(issues, nodeLockIssues(p.Root, t.Lockfiles())...)
	}
	return issues
}

func goSumIssues(root string) []Issue {
	mf, err := toolchain.ReadGoMod(root)
	if err != nil {
		return []Issue{{Severity: SeverityCritical, Message: fmt.Sprintf("go.mod does not parse: %v", err), File: "go.mod"}}
	}
	if len(mf.Require) == 0 {
		return nil
	}

	sums, err := readGoSum(filepath.Join(root, "go.sum"))
	if os.IsNotExist(err) {
		return []Issue{{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("go.sum is missing but go.mod requires %d module(s)", len(mf.Require)),
			File:     "go.sum",
			Fix:      "go_mod_tidy",
		}}
	}
	if err != nil {
		return []Issue{{Severity: SeverityWarning, Message: fmt.Sprintf("go.sum could not be read: %v", err), File: "go.sum"}}
	}

	var missing []string
	for _, r := range mf.Require {
		if !sums[r.Mod.Path+" "+r.Mod.Version] {
			missing = append(missing, r.Mod.String())
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return []Issue{{
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("go.sum has no checksum for %d required module(s): %s", len(missing), sample(missing, 3)),
		File:     "go.sum",
		Fix:      "go_mod_tidy",
	}}
}

// readGoSum returns the set of "path version" pairs with a recorded hash.
func readGoSum(path string) (map[string]bool, error) {
	f, err := os.Open(path) // #nosec G304 -- project file under the probed root
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sums := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			continue
		}
		sums[fields[0]+" "+strings.TrimSuffix(fields[1], "/go.mod")] = true
	}
	return sums, sc.Err()
}

// packageLock is the subset of package-lock.json compared against
// package.json. Version 1 lockfiles only carry Dependencies.
type packageLock struct {
	LockfileVersion int `json:"lockfileVersion"`
	Packages        map[string]struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	} `json:"packages"`
	Dependencies map[string]struct {
		Version string `json:"version"`
	} `json:"dependencies"`
}

func nodeLockIssues(root string, lockfiles []string) []Issue {
	pkg, err := toolchain.ReadPackageJSON(root)
	if err != nil {
		return []Issue{{Severity: SeverityCritical, Message: fmt.Sprintf("package.json does not parse: %v", err), File: "package.json"}}
	}
	deps := pkg.AllDependencies()

	found := ""
	for _, lf := range lockfiles {
		if fileExists(filepath.Join(root, lf)) {
			found = lf
			break
		}
	}
	if found == "" {
		if len(deps) == 0 {
			return nil
		}
		return []Issue{{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("package.json declares %d dependencies but no lockfile exists", len(deps)),
			File:     "package-lock.json",
			Fix:      "regenerate_lockfile",
		}}
	}
	if found != "package-lock.json" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(root, found)) // #nosec G304 -- project file under the probed root
	if err != nil {
		return nil
	}
	var lock packageLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return []Issue{{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("package-lock.json does not parse: %v", err),
			File:     found,
			Fix:      "regenerate_lockfile",
		}}
	}

	var stale []string
	if rootPkg, ok := lock.Packages[""]; ok {
		locked := make(map[string]string, len(rootPkg.Dependencies)+len(rootPkg.DevDependencies))
		for k, v := range rootPkg.DevDependencies {
			locked[k] = v
		}
		for k, v := range rootPkg.Dependencies {
			locked[k] = v
		}
		for name, spec := range deps {
			if got, ok := locked[name]; !ok || got != spec {
				stale = append(stale, name)
			}
		}
	} else {
		for name := range deps {
			if _, ok := lock.Dependencies[name]; !ok {
				stale = append(stale, name)
			}
		}
	}
	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	return []Issue{{
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("package-lock.json is out of sync with package.json for %d package(s): %s", len(stale), sample(stale, 3)),
		File:     found,
		Fix:      "regenerate_lockfile",
	}}
}

func sample(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:n], ", "), len(items)-n)
}
