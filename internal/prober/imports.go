package prober

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"remedy-engine/internal/toolchain"
)

func checkImports(ctx context.Context, p *Project) []Issue {
	var issues []Issue
	if p.Has("go") {
		issues = append(issues, goImportIssues(ctx, p.Root)...)
	}
	if p.Has("node") {
		issues = append(issues, nodeImportIssues(ctx, p.Root)...)
	}
	return issues
}

func goImportIssues(ctx context.Context, root string) []Issue {
	mf, err := toolchain.ReadGoMod(root)
	if err != nil || mf.Module == nil {
		return nil
	}
	provided := []string{mf.Module.Mod.Path}
	for _, r := range mf.Require {
		provided = append(provided, r.Mod.Path)
	}
	for _, r := range mf.Replace {
		provided = append(provided, r.Old.Path)
	}

	unresolved := make(map[string]string)
	fset := token.NewFileSet()
	walkFiles(ctx, root, []string{".go"}, func(path string) {
		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return
		}
		for _, imp := range f.Imports {
			ip, err := strconv.Unquote(imp.Path.Value)
			if err != nil || isGoStdlib(ip) || providedBy(ip, provided) {
				continue
			}
			if _, ok := unresolved[ip]; !ok {
				unresolved[ip] = rel(root, path)
			}
		}
	})
	return unresolvedIssues(unresolved, "import %q is not provided by any module in go.mod")
}

// isGoStdlib treats import paths whose first element has no dot as
// standard library.
func isGoStdlib(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return !strings.Contains(first, ".")
}

func providedBy(path string, modules []string) bool {
	for _, m := range modules {
		if path == m || strings.HasPrefix(path, m+"/") {
			return true
		}
	}
	return false
}

var jsImport = regexp.MustCompile(`(?m)(?:\bfrom\s+|\bimport\s+|\brequire\(\s*)['"]([^'"\n]+)['"]`)

var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "cluster": true, "crypto": true,
	"dns": true, "events": true, "fs": true, "http": true, "http2": true, "https": true,
	"module": true, "net": true, "os": true, "path": true, "perf_hooks": true, "process": true,
	"querystring": true, "readline": true, "stream": true, "string_decoder": true, "timers": true,
	"tls": true, "tty": true, "url": true, "util": true, "v8": true, "vm": true,
	"worker_threads": true, "zlib": true,
}

func nodeImportIssues(ctx context.Context, root string) []Issue {
	pkg, err := toolchain.ReadPackageJSON(root)
	if err != nil {
		return nil
	}
	declared := pkg.AllDependencies()

	unresolved := make(map[string]string)
	walkFiles(ctx, root, []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx"}, func(path string) {
		data, err := os.ReadFile(path) // #nosec G304 -- walked from the probed root
		if err != nil {
			return
		}
		for _, m := range jsImport.FindAllStringSubmatch(string(data), -1) {
			name := toolchain.NodePackage(m[1])
			if name == "" || strings.HasPrefix(name, "@/") || strings.HasPrefix(name, "~") {
				continue
			}
			base, _, _ := strings.Cut(name, "/")
			if nodeBuiltins[base] || name == pkg.Name {
				continue
			}
			if _, ok := declared[name]; ok {
				continue
			}
			if _, ok := unresolved[name]; !ok {
				unresolved[name] = rel(root, path)
			}
		}
	})
	return unresolvedIssues(unresolved, "package %q is imported but not declared in package.json")
}

func unresolvedIssues(unresolved map[string]string, format string) []Issue {
	names := make([]string, 0, len(unresolved))
	for name := range unresolved {
		names = append(names, name)
	}
	sort.Strings(names)

	issues := make([]Issue, 0, len(names))
	for _, name := range names {
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf(format, name),
			File:     unresolved[name],
			Fix:      "install_dependency",
			Groups:   map[string]string{"module": name},
		})
	}
	return issues
}
