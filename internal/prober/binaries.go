package prober

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"remedy-engine/internal/runner"
	"remedy-engine/internal/toolchain"
)

// nativeNodeAddons compile C++ during npm install.
var nativeNodeAddons = map[string]bool{
	"argon2": true, "bcrypt": true, "better-sqlite3": true, "canvas": true,
	"node-sass": true, "re2": true, "sharp": true, "sqlite3": true,
}

var nodeGypTools = []runner.Capability{"make", "g++", "python3"}

// nativePythonBuilds maps distributions that build from source to the
// binary their build needs.
var nativePythonBuilds = map[string]runner.Capability{
	"psycopg2":    "pg_config",
	"mysqlclient": "mysql_config",
}

func checkBinaries(ctx context.Context, p *Project) []Issue {
	if p.Exec == nil {
		return nil
	}
	var issues []Issue
	for _, t := range p.Toolchains {
		a := t.BuildCommand(p.Root)
		if a.Requires == "" || p.available(a.Requires) {
			continue
		}
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%s build needs %s, which is not available", t.Name(), a.Requires),
			Fix:      "install_binary",
			Groups:   map[string]string{"binary": string(a.Requires)},
		})
	}

	if p.Has("node") {
		issues = append(issues, nodeAddonIssues(p)...)
	}
	if p.Has("python") {
		for _, dist := range readRequirements(p.Root) {
			bin, ok := nativePythonBuilds[dist]
			if !ok || p.available(bin) {
				continue
			}
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s builds from source and needs %s, which is not available", dist, bin),
				File:     "requirements.txt",
				Fix:      "install_binary",
				Groups:   map[string]string{"binary": string(bin)},
			})
		}
	}
	return issues
}

func nodeAddonIssues(p *Project) []Issue {
	pkg, err := toolchain.ReadPackageJSON(p.Root)
	if err != nil {
		return nil
	}
	var addons []string
	for name := range pkg.AllDependencies() {
		if nativeNodeAddons[name] {
			addons = append(addons, name)
		}
	}
	if len(addons) == 0 {
		return nil
	}
	sort.Strings(addons)

	var missing []string
	for _, tool := range nodeGypTools {
		if !p.available(tool) {
			missing = append(missing, string(tool))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return []Issue{{
		Severity: SeverityWarning,
		Message: fmt.Sprintf("native addon(s) %s need %s to build",
			strings.Join(addons, ", "), strings.Join(missing, ", ")),
		File: "package.json",
	}}
}
