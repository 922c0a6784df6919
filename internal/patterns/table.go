package patterns

import "regexp"

// defaultPatterns is the built-in table. More specific matchers come before
// more general ones since Match stops at the first hit.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			ID:       "port_in_use",
			Category: CategoryRuntime,
			Matcher:  regexp.MustCompile(`(?i)EADDRINUSE\D*?(?P<port>\d+)`),
			Fixes: []FixCandidate{
				{Name: "kill_process", Confidence: 0.9, Description: "Kill the process listening on port ${port}"},
				{Name: "change_port", Confidence: 0.6, Description: "Start the service on a port other than ${port}"},
			},
		},
		{
			ID:       "port_in_use_bind",
			Category: CategoryRuntime,
			Matcher:  regexp.MustCompile(`(?i)listen tcp \S*?:(?P<port>\d+): bind: address already in use`),
			Fixes: []FixCandidate{
				{Name: "kill_process", Confidence: 0.9, Description: "Kill the process listening on port ${port}"},
				{Name: "change_port", Confidence: 0.6, Description: "Start the service on a port other than ${port}"},
			},
		},
		{
			ID:       "go_sum_missing",
			Category: CategoryDependency,
			Matcher:  regexp.MustCompile(`missing go\.sum entry for module providing package (?P<module>\S+)`),
			Fixes: []FixCandidate{
				{Name: "go_mod_tidy", Confidence: 0.95, Description: "Run go mod tidy to record checksums for ${module}"},
				{Name: "reinstall_dependencies", Confidence: 0.5, Description: "Download all modules again"},
			},
		},
		{
			ID:       "go_missing_module",
			Category: CategoryDependency,
			Matcher:  regexp.MustCompile(`no required module provides package (?P<module>[^\s;:]+)`),
			Fixes: []FixCandidate{
				{Name: "go_mod_tidy", Confidence: 0.9, Description: "Run go mod tidy to add ${module}"},
				{Name: "install_dependency", Confidence: 0.7, Description: "go get ${module}"},
			},
		},
		{
			ID:       "node_module_not_found",
			Category: CategoryDependency,
			Matcher:  regexp.MustCompile(`Cannot find module '(?P<module>[^']+)'`),
			Fixes: []FixCandidate{
				{Name: "install_dependency", Confidence: 0.85, Description: "Install the missing package ${module}"},
				{Name: "reinstall_dependencies", Confidence: 0.7, Description: "Remove node_modules and install from scratch"},
				{Name: "clear_cache", Confidence: 0.4, Description: "Clear the package manager cache"},
			},
		},
		{
			ID:       "python_module_not_found",
			Category: CategoryDependency,
			Matcher:  regexp.MustCompile(`ModuleNotFoundError: No module named '(?P<module>[^'.]+)`),
			Fixes: []FixCandidate{
				{Name: "install_dependency", Confidence: 0.85, Description: "pip install ${module}"},
				{Name: "reinstall_dependencies", Confidence: 0.6, Description: "Reinstall everything in requirements.txt"},
			},
		},
		{
			ID:       "lockfile_mismatch",
			Category: CategoryDependency,
			Matcher:  regexp.MustCompile(`(?i)(?:can only install packages when your package\.json and package-lock\.json|lockfile[^\n]*(?:out of date|out of sync|does not match|needs to be updated))`),
			Fixes: []FixCandidate{
				{Name: "regenerate_lockfile", Confidence: 0.9, Description: "Regenerate the lockfile from the manifest"},
				{Name: "reinstall_dependencies", Confidence: 0.6, Description: "Reinstall dependencies from scratch"},
			},
		},
		{
			ID:       "peer_dependency_conflict",
			Category: CategoryDependency,
			Matcher:  regexp.MustCompile(`(?i)(?:ERESOLVE|could not resolve dependency|conflicting peer dependency)`),
			Fixes: []FixCandidate{
				{Name: "install_legacy_peer_deps", Confidence: 0.8, Description: "Install with --legacy-peer-deps"},
				{Name: "reinstall_dependencies", Confidence: 0.5, Description: "Reinstall dependencies from scratch"},
			},
		},
		{
			ID:       "corrupt_cache",
			Category: CategoryDependency,
			Matcher:  regexp.MustCompile(`(?i)(?:EINTEGRITY|checksum mismatch|cache[^\n]*corrupt)`),
			Fixes: []FixCandidate{
				{Name: "clear_cache", Confidence: 0.85, Description: "Clear the package manager cache"},
				{Name: "reinstall_dependencies", Confidence: 0.6, Description: "Reinstall dependencies from scratch"},
			},
		},
		{
			ID:       "typescript_error",
			Category: CategoryCompilation,
			Matcher:  regexp.MustCompile(`error TS(?P<code>\d+): (?P<detail>[^\n]+)`),
			Fixes: []FixCandidate{
				{Name: "manual_code_fix", Confidence: 0.5, Description: "TS${code}: ${detail}"},
				{Name: "clean_build_artifacts", Confidence: 0.3, Description: "Remove stale build output"},
			},
		},
		{
			ID:       "go_compile_error",
			Category: CategoryCompilation,
			Matcher:  regexp.MustCompile(`(?m)^(?:\./)?(?P<file>[^\s:]+\.go):(?P<line>\d+):\d+: (?P<detail>[^\n]+)`),
			Fixes: []FixCandidate{
				{Name: "manual_code_fix", Confidence: 0.5, Description: "${file}:${line}: ${detail}"},
				{Name: "clear_cache", Confidence: 0.2, Description: "Clear the build cache"},
			},
		},
		{
			ID:       "syntax_error",
			Category: CategoryCompilation,
			Matcher:  regexp.MustCompile(`(?:SyntaxError|IndentationError): (?P<detail>[^\n]+)`),
			Fixes: []FixCandidate{
				{Name: "manual_code_fix", Confidence: 0.5, Description: "Syntax error: ${detail}"},
			},
		},
		{
			ID:       "out_of_memory",
			Category: CategoryResource,
			Matcher:  regexp.MustCompile(`(?i)(?:JavaScript heap out of memory|Cannot allocate memory|OOMKilled|exit code 137|fatal error: runtime: out of memory)`),
			Fixes: []FixCandidate{
				{Name: "increase_memory_limit", Confidence: 0.8, Description: "Raise the memory limit for the build"},
				{Name: "clear_cache", Confidence: 0.4, Description: "Clear caches to reduce memory pressure"},
			},
		},
		{
			ID:       "disk_full",
			Category: CategoryResource,
			Matcher:  regexp.MustCompile(`(?i)(?:ENOSPC|no space left on device)`),
			Fixes: []FixCandidate{
				{Name: "clean_build_artifacts", Confidence: 0.8, Description: "Remove build output to free disk space"},
				{Name: "clear_cache", Confidence: 0.7, Description: "Clear the package manager cache"},
			},
		},
		{
			ID:       "too_many_open_files",
			Category: CategoryResource,
			Matcher:  regexp.MustCompile(`(?i)(?:EMFILE|too many open files)`),
			Fixes: []FixCandidate{
				{Name: "raise_file_limit", Confidence: 0.6, Description: "Raise the open file limit (ulimit -n)"},
			},
		},
		{
			ID:       "connection_refused",
			Category: CategoryNetwork,
			Matcher:  regexp.MustCompile(`(?i)(?:ECONNREFUSED|connection refused)\s*(?P<address>[\w.\[\]:-]*)`),
			Fixes: []FixCandidate{
				{Name: "wait_and_retry", Confidence: 0.6, Description: "Wait for ${address} to come up and retry"},
				{Name: "start_dependency", Confidence: 0.4, Description: "Start the service behind ${address}"},
			},
		},
		{
			ID:       "dns_failure",
			Category: CategoryNetwork,
			Matcher:  regexp.MustCompile(`(?:ENOTFOUND|EAI_AGAIN)\s+(?P<host>[\w.-]+)|lookup (?P<lookup>[\w.-]+)[^\n]*: no such host`),
			Fixes: []FixCandidate{
				{Name: "wait_and_retry", Confidence: 0.5, Description: "Retry after DNS for ${host}${lookup} recovers"},
			},
		},
		{
			ID:       "network_timeout",
			Category: CategoryNetwork,
			Matcher:  regexp.MustCompile(`(?i)(?:ETIMEDOUT|i/o timeout|network is unreachable|ECONNRESET)`),
			Fixes: []FixCandidate{
				{Name: "wait_and_retry", Confidence: 0.7, Description: "Wait and retry the network operation"},
				{Name: "clear_cache", Confidence: 0.3, Description: "Clear the package manager cache"},
			},
		},
		{
			ID:       "permission_denied",
			Category: CategoryPermission,
			Matcher:  regexp.MustCompile(`(?i)(?:EACCES|permission denied)[^\n/]*(?P<path>/[^\s'"]+)?`),
			Fixes: []FixCandidate{
				{Name: "fix_permissions", Confidence: 0.7, Description: "Make ${path} writable by the build user"},
			},
		},
		{
			ID:       "missing_env_var",
			Category: CategoryConfiguration,
			Matcher:  regexp.MustCompile(`(?i)(?:missing|undefined|required|not set)[^\n]*?(?:environment variable|env var)[:\s]+['"]?(?P<var>[A-Z][A-Z0-9_]*)`),
			Fixes: []FixCandidate{
				{Name: "populate_env_from_example", Confidence: 0.7, Description: "Create .env from the example file to define ${var}"},
			},
		},
		{
			ID:       "invalid_config",
			Category: CategoryConfiguration,
			Matcher:  regexp.MustCompile(`(?:Unexpected token [^\n]* in JSON|yaml: line (?P<line>\d+):)`),
			Fixes: []FixCandidate{
				{Name: "manual_config_fix", Confidence: 0.4, Description: "Fix the malformed configuration file"},
			},
		},
		{
			ID:       "command_not_found",
			Category: CategoryConfiguration,
			Matcher:  regexp.MustCompile(`(?m)(?:^|: )(?P<binary>[\w.+-]+): (?:command )?not found`),
			Fixes: []FixCandidate{
				{Name: "install_binary", Confidence: 0.5, Description: "Install ${binary} on the build host"},
			},
		},
	}
}
