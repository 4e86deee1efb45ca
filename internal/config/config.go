// Package config loads the botvisor TOML configuration through viper.
//
// Every scalar key can be overridden from the environment with the
// BOTVISOR_ prefix and dots replaced by underscores, e.g.
// BOTVISOR_SUPERVISOR_READY_TIMEOUT=30s.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/logger"
)

// EnvPrefix is the environment prefix for configuration overrides.
const EnvPrefix = "BOTVISOR"

// Defaults.
const (
	DefaultSupervisorIdentity = "supervisor"
	DefaultWatchdogIdentity   = "watchdog"
	DefaultReadyTimeout       = 10 * time.Second
	DefaultProbeTimeout       = time.Second
	DefaultStopTimeout        = 5 * time.Second
	DefaultWatchdogInterval   = 5 * time.Second
	DefaultWatchdogThreshold  = 3
	DefaultWatchdogParallel   = 8
	DefaultResourceInterval   = 15 * time.Second
)

// Config is the whole file.
type Config struct {
	RuntimeDir string                  `toml:"runtime_dir" mapstructure:"runtime_dir"`
	Env        []string                `toml:"env" mapstructure:"env"`
	EnvFiles   []string                `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool                    `toml:"use_os_env" mapstructure:"use_os_env"`
	Supervisor SupervisorConfig        `toml:"supervisor" mapstructure:"supervisor"`
	Watchdog   WatchdogConfig          `toml:"watchdog" mapstructure:"watchdog"`
	Modules    map[string]ModuleConfig `toml:"modules" mapstructure:"modules"`
	Log        logger.Config           `toml:"log" mapstructure:"log"`
	History    HistoryConfig           `toml:"history" mapstructure:"history"`
	Metrics    MetricsConfig           `toml:"metrics" mapstructure:"metrics"`
	HTTP       HTTPConfig              `toml:"http" mapstructure:"http"`

	// File is the path the configuration was read from, if any.
	File string `toml:"-" mapstructure:"-"`
}

type SupervisorConfig struct {
	Identity     string        `toml:"identity" mapstructure:"identity"`
	ModulesDir   string        `toml:"modules_dir" mapstructure:"modules_dir"`
	LogDir       string        `toml:"log_dir" mapstructure:"log_dir"`
	ReadyTimeout time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	ProbeTimeout time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	StopTimeout  time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
}

type WatchdogConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
	Identity    string        `toml:"identity" mapstructure:"identity"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	Threshold   int           `toml:"threshold" mapstructure:"threshold"`
	Parallelism int           `toml:"parallelism" mapstructure:"parallelism"`
}

// ModuleConfig overrides how a module name maps to an executable.
type ModuleConfig struct {
	Command string   `toml:"command" mapstructure:"command"`
	Args    []string `toml:"args" mapstructure:"args"`
	Env     []string `toml:"env" mapstructure:"env"` // KEY=VALUE
	WorkDir string   `toml:"work_dir" mapstructure:"work_dir"`
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled          bool          `toml:"enabled" mapstructure:"enabled"`
	ResourceInterval time.Duration `toml:"resource_interval" mapstructure:"resource_interval"`
}

type HTTPConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the HTTP API over TLS. Either CertFile and KeyFile are
// set, or Dir holds tls.crt/tls.key, generated when AutoGenerate is set.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// DefaultRuntimeDir prefers $XDG_RUNTIME_DIR and falls back to a per-user
// directory under the system temp dir.
func DefaultRuntimeDir() string {
	if x := os.Getenv("XDG_RUNTIME_DIR"); x != "" {
		return filepath.Join(x, "botvisor")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("botvisor-%d", os.Getuid()))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime_dir", DefaultRuntimeDir())
	v.SetDefault("use_os_env", true)
	v.SetDefault("supervisor.identity", DefaultSupervisorIdentity)
	v.SetDefault("supervisor.modules_dir", "")
	v.SetDefault("supervisor.log_dir", "")
	v.SetDefault("supervisor.ready_timeout", DefaultReadyTimeout)
	v.SetDefault("supervisor.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("supervisor.stop_timeout", DefaultStopTimeout)
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.identity", DefaultWatchdogIdentity)
	v.SetDefault("watchdog.interval", DefaultWatchdogInterval)
	v.SetDefault("watchdog.threshold", DefaultWatchdogThreshold)
	v.SetDefault("watchdog.parallelism", DefaultWatchdogParallel)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", false)
	v.SetDefault("log.stderr", true)
	v.SetDefault("log.file", "")
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resource_interval", DefaultResourceInterval)
	v.SetDefault("http.listen", "")
	v.SetDefault("http.base_path", "/api")
	v.SetDefault("http.tls.enabled", false)
}

// Load reads path (TOML) when non-empty, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	c.File = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks identities, timeouts and module names.
func (c *Config) Validate() error {
	if c.RuntimeDir == "" {
		return errors.New("config: runtime_dir required")
	}
	sup, err := identity.Parse(c.Supervisor.Identity)
	if err != nil {
		return fmt.Errorf("config: supervisor.identity: %w", err)
	}
	wd, err := identity.Parse(c.Watchdog.Identity)
	if err != nil {
		return fmt.Errorf("config: watchdog.identity: %w", err)
	}
	if sup == wd {
		return fmt.Errorf("config: supervisor and watchdog share identity %q", sup)
	}
	if c.Supervisor.ReadyTimeout <= 0 || c.Supervisor.ProbeTimeout <= 0 || c.Supervisor.StopTimeout <= 0 {
		return errors.New("config: supervisor timeouts must be positive")
	}
	if c.Watchdog.Enabled && (c.Watchdog.Interval <= 0 || c.Watchdog.Threshold < 0) {
		return errors.New("config: watchdog.interval must be positive and threshold non-negative")
	}
	for name := range c.Modules {
		id, err := identity.Parse(name)
		if err != nil || id.HasInstance() {
			return fmt.Errorf("config: modules.%s: not a module name", name)
		}
	}
	if t := c.HTTP.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("config: http.tls.cert_file and key_file go together")
	}
	if t := c.HTTP.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		return errors.New("config: http.tls needs cert_file/key_file or dir")
	}
	return c.Log.Validate()
}

// SupervisorIdentity returns the parsed supervisor identity.
func (c *Config) SupervisorIdentity() identity.Identity {
	return identity.MustParse(c.Supervisor.Identity)
}

// WatchdogIdentity returns the parsed watchdog identity.
func (c *Config) WatchdogIdentity() identity.Identity {
	return identity.MustParse(c.Watchdog.Identity)
}

// ProcDir holds one lock file per identity.
func (c *Config) ProcDir() string { return filepath.Join(c.RuntimeDir, "proc") }

// SocketPath is where the bus broker listens.
func (c *Config) SocketPath() string { return filepath.Join(c.RuntimeDir, "ipc", "bus.sock") }

// LogDir is where module output goes.
func (c *Config) LogDir() string {
	if c.Supervisor.LogDir != "" {
		return c.Supervisor.LogDir
	}
	return filepath.Join(c.RuntimeDir, "log")
}

// ModulesDir is searched for module executables without an override.
func (c *Config) ModulesDir() string {
	if c.Supervisor.ModulesDir != "" {
		return c.Supervisor.ModulesDir
	}
	return filepath.Join(c.RuntimeDir, "modules")
}

// ModuleNames lists the modules with an explicit override, sorted.
func (c *Config) ModuleNames() []string {
	out := make([]string, 0, len(c.Modules))
	for n := range c.Modules {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// GlobalEnv merges the environment handed to every module: the OS env when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
