package prober

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var envExamples = []string{".env.example", ".env.sample", ".env.template"}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkEnv(ctx context.Context, p *Project) []Issue {
	example := ""
	for _, name := range envExamples {
		if fileExists(filepath.Join(p.Root, name)) {
			example = name
			break
		}
	}
	if example == "" {
		return nil
	}

	want, err := readEnvKeys(filepath.Join(p.Root, example))
	if err != nil || len(want) == 0 {
		return nil
	}
	have, err := readEnvKeys(filepath.Join(p.Root, ".env"))
	if os.IsNotExist(err) {
		return []Issue{{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf(".env is missing; %s lists %d variable(s)", example, len(want)),
			File:     ".env",
			Fix:      "populate_env_from_example",
		}}
	}
	if err != nil {
		return []Issue{{Severity: SeverityWarning, Message: fmt.Sprintf(".env could not be read: %v", err), File: ".env"}}
	}

	var issues []Issue
	for _, key := range want {
		if contains(have, key) {
			continue
		}
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("environment variable %s is listed in %s but not set", key, example),
			File:     ".env",
			Groups:   map[string]string{"var": key},
		})
	}
	return issues
}

// readEnvKeys returns variable names in file order.
func readEnvKeys(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- project file under the probed root
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, _, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if ok && envKey.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, sc.Err()
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
