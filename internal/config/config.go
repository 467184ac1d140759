// Package config provides configuration file parsing for shipctl.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where shipctl looks for its configuration when --config is
// not given.
const DefaultPath = "/etc/shipctl/shipctl.yaml"

type Config struct {
	App     AppConfig     `yaml:"app"`
	Service ServiceConfig `yaml:"service"`
	Deps    DepsConfig    `yaml:"deps"`
	Probe   ProbeConfig   `yaml:"probe"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Group    string `yaml:"group"`
	BaseDir  string `yaml:"base_dir"`
	EnvDir   string `yaml:"env_dir"`
	StateDir string `yaml:"state_dir"`
}

type ServiceConfig struct {
	UnitDir     string `yaml:"unit_dir"`
	TmpfilesDir string `yaml:"tmpfiles_dir"`
	RuntimeDir  string `yaml:"runtime_dir"`
	SocketName  string `yaml:"socket_name"`
	ExecStart   string `yaml:"exec_start"`
	HealthPath  string `yaml:"health_path"`
	JournalTail int    `yaml:"journal_tail"`
}

type DepsConfig struct {
	Manifest string   `yaml:"manifest"`
	Lock     string   `yaml:"lock"`
	Command  []string `yaml:"command"`
	Excludes []string `yaml:"excludes"`
}

type ProbeConfig struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ProxyConfig struct {
	Bin            string   `yaml:"bin"`
	Prefix         string   `yaml:"prefix"`
	MainConf       string   `yaml:"main_conf"`
	Group          string   `yaml:"group"`
	CandidateDirs  []string `yaml:"candidate_dirs"`
	ManagedDir     string   `yaml:"managed_dir"`
	ManagedConf    string   `yaml:"managed_conf"`
	DropinDir      string   `yaml:"dropin_dir"`
	ServerNames    []string `yaml:"server_names"`
	LegacySnippets []string `yaml:"legacy_snippets"`
}

type HistoryConfig struct {
	DBPath string `yaml:"db_path"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Load reads the YAML file at path. When the file is missing and
// allowMissing is set, the built-in defaults are returned instead.
func Load(path string, allowMissing bool) (*Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true) // catch typos in YAML
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml %q: %w", path, err)
		}
	case os.IsNotExist(err) && allowMissing:
	default:
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration built only from defaults.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	// App
	if c.App.Name == "" {
		c.App.Name = "app"
	}
	if c.App.User == "" {
		c.App.User = c.App.Name
	}
	if c.App.Group == "" {
		c.App.Group = c.App.User
	}
	if c.App.BaseDir == "" {
		c.App.BaseDir = "/srv/" + c.App.Name
	}
	if c.App.EnvDir == "" {
		c.App.EnvDir = "/etc/" + c.App.Name
	}
	if c.App.StateDir == "" {
		c.App.StateDir = "/var/lib/shipctl/" + c.App.Name
	}

	// Service
	if c.Service.UnitDir == "" {
		c.Service.UnitDir = "/etc/systemd/system"
	}
	if c.Service.TmpfilesDir == "" {
		c.Service.TmpfilesDir = "/etc/tmpfiles.d"
	}
	if c.Service.RuntimeDir == "" {
		c.Service.RuntimeDir = "/run/" + c.App.Name
	}
	if c.Service.SocketName == "" {
		c.Service.SocketName = c.App.Name + ".sock"
	}
	if c.Service.ExecStart == "" {
		c.Service.ExecStart = "{{.EnvLink}}/bin/gunicorn --worker-class uvicorn.workers.UvicornWorker app.main:app"
	}
	if c.Service.HealthPath == "" {
		c.Service.HealthPath = "/health"
	}
	if c.Service.JournalTail == 0 {
		c.Service.JournalTail = 50
	}

	// Deps
	if c.Deps.Manifest == "" {
		c.Deps.Manifest = "pyproject.toml"
	}
	if c.Deps.Lock == "" {
		c.Deps.Lock = "uv.lock"
	}
	if len(c.Deps.Command) == 0 {
		c.Deps.Command = []string{"uv", "sync", "--locked", "--no-dev"}
	}
	if c.Deps.Excludes == nil {
		c.Deps.Excludes = []string{".git", ".venv", "__pycache__", ".pytest_cache", ".mypy_cache"}
	}

	// Probe
	if c.Probe.Attempts == 0 {
		c.Probe.Attempts = 20
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = 500 * time.Millisecond
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = 2 * time.Second
	}

	// Proxy
	if c.Proxy.Bin == "" {
		c.Proxy.Bin = "nginx"
	}
	if c.Proxy.Prefix == "" {
		c.Proxy.Prefix = "/etc/nginx"
	}
	if c.Proxy.MainConf == "" {
		c.Proxy.MainConf = "/etc/nginx/nginx.conf"
	}
	if c.Proxy.Group == "" {
		c.Proxy.Group = "www-data"
	}
	if c.Proxy.CandidateDirs == nil {
		c.Proxy.CandidateDirs = []string{"/etc/nginx/conf.d", "/etc/nginx/sites-enabled"}
	}
	if c.Proxy.ManagedDir == "" {
		c.Proxy.ManagedDir = "/etc/nginx/" + c.App.Name + ".d"
	}
	if c.Proxy.ManagedConf == "" {
		c.Proxy.ManagedConf = "/etc/nginx/" + c.App.Name + "-managed.conf"
	}
	if c.Proxy.DropinDir == "" {
		c.Proxy.DropinDir = "/etc/systemd/system/nginx.service.d"
	}
	if len(c.Proxy.ServerNames) == 0 {
		c.Proxy.ServerNames = []string{"_"}
	}

	// History
	if c.History.DBPath == "" {
		c.History.DBPath = c.App.StateDir + "/history.db"
	}
}
