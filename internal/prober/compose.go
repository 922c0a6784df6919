package prober

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"remedy-engine/internal/runner"
)

var composeFiles = []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image         string `yaml:"image"`
	Build         any    `yaml:"build"`
	ContainerName string `yaml:"container_name"`
	Ports         []any  `yaml:"ports"`
	DependsOn     any    `yaml:"depends_on"`
	EnvFile       any    `yaml:"env_file"`
}

func checkCompose(ctx context.Context, p *Project) []Issue {
	var issues []Issue
	for _, name := range composeFiles {
		path := filepath.Join(p.Root, name)
		if !fileExists(path) {
			continue
		}
		issues = append(issues, composeIssues(p, name)...)
	}
	return issues
}

func composeIssues(p *Project, name string) []Issue {
	data, err := os.ReadFile(filepath.Join(p.Root, name)) // #nosec G304 -- project file under the probed root
	if err != nil {
		return nil
	}
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return []Issue{{Severity: SeverityCritical, Message: fmt.Sprintf("%s does not parse: %v", name, err), File: name}}
	}

	var issues []Issue
	add := func(sev Severity, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Message: fmt.Sprintf(format, args...), File: name})
	}

	if len(cf.Services) == 0 {
		add(SeverityWarning, "%s defines no services", name)
		return issues
	}
	if !p.available(runner.CapDocker) && !p.available(runner.CapContainerd) {
		add(SeverityInfo, "no container runtime is available to run %s", name)
	}

	services := make([]string, 0, len(cf.Services))
	for svc := range cf.Services {
		services = append(services, svc)
	}
	sort.Strings(services)

	ports := map[string]string{}
	containerNames := map[string]string{}
	for _, svc := range services {
		s := cf.Services[svc]
		if s.Image == "" && s.Build == nil {
			add(SeverityCritical, "service %s has neither image nor build", svc)
		}
		if s.ContainerName != "" {
			if other, ok := containerNames[s.ContainerName]; ok {
				add(SeverityCritical, "services %s and %s share container_name %s", other, svc, s.ContainerName)
			} else {
				containerNames[s.ContainerName] = svc
			}
		}
		for _, raw := range s.Ports {
			host := hostPort(raw)
			if host == "" {
				continue
			}
			if other, ok := ports[host]; ok {
				add(SeverityCritical, "services %s and %s both publish host port %s", other, svc, host)
			} else {
				ports[host] = svc
			}
		}
		for _, dep := range stringsOf(s.DependsOn, true) {
			if _, ok := cf.Services[dep]; !ok {
				add(SeverityCritical, "service %s depends on undefined service %s", svc, dep)
			}
		}
		for _, envFile := range stringsOf(s.EnvFile, false) {
			if fileExists(filepath.Join(p.Root, envFile)) {
				continue
			}
			issue := Issue{
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("service %s references missing env_file %s", svc, envFile),
				File:     name,
			}
			if filepath.Clean(envFile) == ".env" {
				issue.Fix = "populate_env_from_example"
			}
			issues = append(issues, issue)
		}
	}
	return issues
}

// hostPort extracts the published host port (with bind address, if any)
// from a short or long port mapping. Container-only ports yield "".
func hostPort(raw any) string {
	switch v := raw.(type) {
	case string:
		v, _, _ = strings.Cut(v, "/")
		parts := strings.Split(v, ":")
		if len(parts) < 2 {
			return ""
		}
		return strings.Join(parts[:len(parts)-1], ":")
	case map[string]any:
		if pub, ok := v["published"]; ok {
			host := fmt.Sprint(pub)
			if ip, ok := v["host_ip"]; ok {
				host = fmt.Sprint(ip) + ":" + host
			}
			return host
		}
	}
	return ""
}

// stringsOf flattens compose fields that accept a string, a list, or a map
// keyed by name. Map keys are returned only when keys is set.
func stringsOf(raw any, keys bool) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				if path, ok := it["path"].(string); ok {
					out = append(out, path)
				}
			}
		}
		return out
	case map[string]any:
		if !keys {
			return nil
		}
		out := make([]string, 0, len(v))
		for k := range v {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	return nil
}
