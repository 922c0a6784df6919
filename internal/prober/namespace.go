package prober

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"remedy-engine/internal/toolchain"
)

// pythonStdlibShadows are standard modules a stray local file commonly
// shadows.
var pythonStdlibShadows = map[string]bool{
	"json": true, "logging": true, "random": true, "email": true, "typing": true,
	"string": true, "socket": true, "queue": true, "select": true, "types": true,
	"copy": true, "time": true, "http": true, "asyncio": true, "collections": true,
	"re": true, "math": true, "secrets": true, "signal": true, "test": true,
}

func checkNamespace(ctx context.Context, p *Project) []Issue {
	issues := caseCollisions(ctx, p.Root)
	if p.Has("python") {
		issues = append(issues, pythonShadows(p.Root)...)
	}
	if p.Has("node") {
		if pkg, err := toolchain.ReadPackageJSON(p.Root); err == nil && pkg.Name != "" {
			if _, ok := pkg.AllDependencies()[pkg.Name]; ok {
				issues = append(issues, Issue{
					Severity: SeverityCritical,
					Message:  fmt.Sprintf("package %q lists itself as a dependency", pkg.Name),
					File:     "package.json",
				})
			}
		}
	}
	return issues
}

// caseCollisions finds entries in one directory whose names differ only by
// case. They collide on case-insensitive filesystems.
func caseCollisions(ctx context.Context, root string) []Issue {
	var issues []Issue
	dirs := map[string]map[string]string{}
	walkFiles(ctx, root, nil, func(path string) {
		dir, name := filepath.Split(path)
		seen := dirs[dir]
		if seen == nil {
			seen = make(map[string]string)
			dirs[dir] = seen
		}
		lower := strings.ToLower(name)
		if prev, ok := seen[lower]; ok && prev != name {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s and %s differ only by case", prev, name),
				File:     rel(root, path),
			})
			return
		}
		seen[lower] = name
	})
	return issues
}

func pythonShadows(root string) []Issue {
	deps := map[string]bool{}
	for _, d := range readRequirements(root) {
		deps[d] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var issues []Issue
	for _, e := range entries {
		var module string
		switch {
		case !e.IsDir() && strings.HasSuffix(e.Name(), ".py"):
			module = strings.TrimSuffix(e.Name(), ".py")
		case e.IsDir() && fileExists(filepath.Join(root, e.Name(), "__init__.py")):
			module = e.Name()
		default:
			continue
		}
		switch {
		case deps[normalizeDist(module)]:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("local module %s shadows the %s dependency", e.Name(), module),
				File:     e.Name(),
			})
		case pythonStdlibShadows[module]:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("local module %s shadows the standard library module %s", e.Name(), module),
				File:     e.Name(),
			})
		}
	}
	return issues
}
