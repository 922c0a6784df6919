package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Supervisor.MaxRetries != 3 {
		t.Errorf("Supervisor.MaxRetries = %d, want 3", cfg.Supervisor.MaxRetries)
	}
	if cfg.Guardian.MinInterval != 10*time.Second {
		t.Errorf("Guardian.MinInterval = %s, want 10s", cfg.Guardian.MinInterval)
	}
	if cfg.Guardian.Thresholds.MemoryCritPercent != 90 {
		t.Errorf("Thresholds.MemoryCritPercent = %v, want 90", cfg.Guardian.Thresholds.MemoryCritPercent)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"max_retries 0", func(c *Config) { c.Supervisor.MaxRetries = 0 }, true},
		{"zero build timeout", func(c *Config) { c.Supervisor.BuildTimeout = 0 }, true},
		{"min_interval below floor", func(c *Config) { c.Guardian.MinInterval = 5 * time.Second }, true},
		{"default_interval below min", func(c *Config) { c.Guardian.DefaultInterval = 10*time.Second - 1 }, true},
		{"monitor interval below min", func(c *Config) {
			c.Guardian.Monitors["disk_space"] = MonitorConfig{Interval: time.Second}
		}, true},
		{"monitor interval at min", func(c *Config) {
			c.Guardian.Monitors["disk_space"] = MonitorConfig{Interval: 10 * time.Second}
		}, false},
		{"negative repair budget", func(c *Config) {
			c.Guardian.Monitors["disk_space"] = MonitorConfig{MaxRepairsPerHour: -1}
		}, true},
		{"dependency without address", func(c *Config) {
			c.Guardian.Dependencies = []Dependency{{Name: "db"}}
		}, true},
		{"dependency with unknown kind", func(c *Config) {
			c.Guardian.Dependencies = []Dependency{{Name: "db", Address: "localhost:5432", Kind: "udp"}}
		}, true},
		{"http dependency", func(c *Config) {
			c.Guardian.Dependencies = []Dependency{{Name: "api", Address: "http://localhost/health", Kind: "http"}}
		}, false},
		{"memory warn above crit", func(c *Config) {
			c.Guardian.Thresholds.MemoryWarnPercent = 95
		}, true},
		{"audit buffer 0", func(c *Config) { c.Audit.BufferSize = 0 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "0.0.0.0"
  port: 9090
supervisor:
  max_retries: 5
  build_timeout: 90s
guardian:
  monitors:
    disk_space:
      interval: 30s
      max_repairs_per_hour: 4
  dependencies:
    - name: postgres
      address: localhost:5432
memory:
  path: /var/lib/remedy/memory
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Supervisor.MaxRetries != 5 {
		t.Errorf("Supervisor.MaxRetries = %d, want 5", cfg.Supervisor.MaxRetries)
	}
	if cfg.Supervisor.BuildTimeout != 90*time.Second {
		t.Errorf("Supervisor.BuildTimeout = %s, want 1m30s", cfg.Supervisor.BuildTimeout)
	}
	if cfg.Supervisor.FixTimeout != 2*time.Minute {
		t.Errorf("Supervisor.FixTimeout = %s, want default 2m", cfg.Supervisor.FixTimeout)
	}
	if got := cfg.MonitorInterval("disk_space"); got != 30*time.Second {
		t.Errorf("MonitorInterval(disk_space) = %s, want 30s", got)
	}
	if got := cfg.MonitorInterval("memory_pressure"); got != time.Minute {
		t.Errorf("MonitorInterval(memory_pressure) = %s, want 1m", got)
	}
	if cfg.Guardian.Monitors["disk_space"].MaxRepairsPerHour != 4 {
		t.Errorf("MaxRepairsPerHour = %d, want 4", cfg.Guardian.Monitors["disk_space"].MaxRepairsPerHour)
	}
	if len(cfg.Guardian.Dependencies) != 1 || cfg.Guardian.Dependencies[0].Address != "localhost:5432" {
		t.Errorf("Dependencies = %+v", cfg.Guardian.Dependencies)
	}
	if cfg.Memory.Path != "/var/lib/remedy/memory" {
		t.Errorf("Memory.Path = %q", cfg.Memory.Path)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("guardian:\n  min_interval: 1s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for 1s min_interval, got nil")
	}
}

func TestLoad_Project(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
project:
  root: /srv/app
  build_command: make build
  start_command: ./bin/app
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Project.Root != "/srv/app" {
		t.Errorf("Project.Root = %q, want /srv/app", cfg.Project.Root)
	}
	if cfg.Project.BuildCommand != "make build" {
		t.Errorf("Project.BuildCommand = %q, want %q", cfg.Project.BuildCommand, "make build")
	}
	if cfg.Project.StartCommand != "./bin/app" {
		t.Errorf("Project.StartCommand = %q, want %q", cfg.Project.StartCommand, "./bin/app")
	}
	// Unset sections keep their defaults.
	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadOrDefault_FileNotFound(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "127.0.0.1:8090"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 3000
	want = "0.0.0.0:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
