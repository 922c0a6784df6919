package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// MinMonitorInterval is the smallest interval the guardian accepts from
// configuration or the admin surface.
const MinMonitorInterval = 10 * time.Second

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Project    ProjectConfig    `yaml:"project"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Prober     ProberConfig     `yaml:"prober"`
	Guardian   GuardianConfig   `yaml:"guardian"`
	Memory     MemoryConfig     `yaml:"memory"`
	Database   DatabaseConfig   `yaml:"database"`
	Audit      AuditConfig      `yaml:"audit"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Diagnose   DiagnoseConfig   `yaml:"diagnose"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// ProjectConfig names the project the daemon guards. Root is the default
// for probe and deploy requests that name none, and the tree the
// file-based monitors watch.
type ProjectConfig struct {
	Root         string `yaml:"root"`
	BuildCommand string `yaml:"build_command"`
	StartCommand string `yaml:"start_command"`
}

// SupervisorConfig bounds the build retry loop.
type SupervisorConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
	FixTimeout   time.Duration `yaml:"fix_timeout"`
}

type ProberConfig struct {
	CheckTimeout   time.Duration `yaml:"check_timeout"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	CertWarnDays   int           `yaml:"cert_warn_days"`
	AutoFix        bool          `yaml:"auto_fix"`
}

// GuardianConfig configures the runtime monitors. Monitors absent from the
// Monitors map run at DefaultInterval.
type GuardianConfig struct {
	MinInterval     time.Duration            `yaml:"min_interval"`
	DefaultInterval time.Duration            `yaml:"default_interval"`
	Monitors        map[string]MonitorConfig `yaml:"monitors"`
	Dependencies    []Dependency             `yaml:"dependencies"`
	Containers      []string                 `yaml:"containers"`
	Thresholds      Thresholds               `yaml:"thresholds"`
}

type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxRepairsPerHour int           `yaml:"max_repairs_per_hour"`
	Disabled          bool          `yaml:"disabled"`
}

// Dependency is an external endpoint the reachability monitor dials.
type Dependency struct {
	Name    string        `yaml:"name"`
	Address string        `yaml:"address"` // host:port for tcp, URL for http
	Kind    string        `yaml:"kind"`    // "tcp" (default) or "http"
	Timeout time.Duration `yaml:"timeout"`
}

type Thresholds struct {
	MemoryWarnPercent  float64       `yaml:"memory_warn_percent"`
	MemoryCritPercent  float64       `yaml:"memory_crit_percent"`
	DiskMinFreePercent float64       `yaml:"disk_min_free_percent"`
	DiskPaths          []string      `yaml:"disk_paths"`
	SchedulerLagMax    time.Duration `yaml:"scheduler_lag_max"`
	CertWarnDays       int           `yaml:"cert_warn_days"`
}

type MemoryConfig struct {
	Path       string `yaml:"path"` // empty keeps repair memory in process only
	SyncWrites bool   `yaml:"sync_writes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuditConfig struct {
	BufferSize  int `yaml:"buffer_size"`
	HistorySize int `yaml:"history_size"`
}

type BroadcastConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
}

type DiagnoseConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to DefaultConfig when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
		return DefaultConfig(), nil
	}
	return cfg, err
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute, // POST /deploy runs the full pipeline
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Supervisor: SupervisorConfig{
			MaxRetries:   3,
			BuildTimeout: 5 * time.Minute,
			FixTimeout:   2 * time.Minute,
		},
		Prober: ProberConfig{
			CheckTimeout:   30 * time.Second,
			CompileTimeout: 2 * time.Minute,
			CertWarnDays:   14,
			AutoFix:        true,
		},
		Guardian: GuardianConfig{
			MinInterval:     MinMonitorInterval,
			DefaultInterval: time.Minute,
			Monitors:        map[string]MonitorConfig{},
			Thresholds: Thresholds{
				MemoryWarnPercent:  80,
				MemoryCritPercent:  90,
				DiskMinFreePercent: 10,
				DiskPaths:          []string{"/"},
				SchedulerLagMax:    500 * time.Millisecond,
				CertWarnDays:       7,
			},
		},
		Memory: MemoryConfig{
			Path:       "data/repair-memory",
			SyncWrites: true,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Audit: AuditConfig{
			BufferSize:  1000,
			HistorySize: 500,
		},
		Broadcast: BroadcastConfig{
			SubjectPrefix: "remedy",
		},
		Containerd: ContainerdConfig{
			Socket:    "/run/containerd/containerd.sock",
			Namespace: "default",
		},
		Diagnose: DiagnoseConfig{
			Enabled:   false,
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Supervisor.MaxRetries < 1 {
		return fmt.Errorf("supervisor.max_retries must be >= 1, got %d", c.Supervisor.MaxRetries)
	}
	if c.Supervisor.BuildTimeout <= 0 || c.Supervisor.FixTimeout <= 0 {
		return fmt.Errorf("supervisor.build_timeout and supervisor.fix_timeout must be positive")
	}
	if c.Guardian.MinInterval < MinMonitorInterval {
		return fmt.Errorf("guardian.min_interval must be >= %s, got %s", MinMonitorInterval, c.Guardian.MinInterval)
	}
	if c.Guardian.DefaultInterval < c.Guardian.MinInterval {
		return fmt.Errorf("guardian.default_interval (%s) must be >= min_interval (%s)",
			c.Guardian.DefaultInterval, c.Guardian.MinInterval)
	}
	for name, m := range c.Guardian.Monitors {
		if m.Interval != 0 && m.Interval < c.Guardian.MinInterval {
			return fmt.Errorf("guardian.monitors.%s.interval (%s) is below min_interval (%s)",
				name, m.Interval, c.Guardian.MinInterval)
		}
		if m.MaxRepairsPerHour < 0 {
			return fmt.Errorf("guardian.monitors.%s.max_repairs_per_hour must be >= 0", name)
		}
	}
	for i, d := range c.Guardian.Dependencies {
		if d.Address == "" {
			return fmt.Errorf("guardian.dependencies[%d]: address is required", i)
		}
		switch d.Kind {
		case "", "tcp", "http":
		default:
			return fmt.Errorf("guardian.dependencies[%d]: unknown kind %q", i, d.Kind)
		}
	}
	th := c.Guardian.Thresholds
	if th.MemoryWarnPercent <= 0 || th.MemoryWarnPercent > th.MemoryCritPercent || th.MemoryCritPercent > 100 {
		return fmt.Errorf("guardian.thresholds: need 0 < memory_warn_percent <= memory_crit_percent <= 100")
	}
	if c.Audit.BufferSize < 1 || c.Audit.HistorySize < 1 {
		return fmt.Errorf("audit.buffer_size and audit.history_size must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, audit records travel unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MonitorInterval returns the configured interval for a monitor, falling back
// to the guardian default.
func (c *Config) MonitorInterval(name string) time.Duration {
	if m, ok := c.Guardian.Monitors[name]; ok && m.Interval > 0 {
		return m.Interval
	}
	return c.Guardian.DefaultInterval
}
