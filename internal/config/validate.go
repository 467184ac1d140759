package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

var unitNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func (c *Config) Validate() error {
	var errs []string

	if !unitNameRe.MatchString(c.App.Name) {
		errs = append(errs, fmt.Sprintf("app.name=%q must be a valid unit name (letters, digits, '_', '.', '-')", c.App.Name))
	}
	if strings.TrimSpace(c.App.User) == "" {
		errs = append(errs, "app.user is required")
	}
	if strings.TrimSpace(c.App.Group) == "" {
		errs = append(errs, "app.group is required")
	}

	for name, p := range map[string]string{
		"app.base_dir":         c.App.BaseDir,
		"app.env_dir":          c.App.EnvDir,
		"app.state_dir":        c.App.StateDir,
		"service.unit_dir":     c.Service.UnitDir,
		"service.tmpfiles_dir": c.Service.TmpfilesDir,
		"service.runtime_dir":  c.Service.RuntimeDir,
		"proxy.main_conf":      c.Proxy.MainConf,
		"proxy.managed_dir":    c.Proxy.ManagedDir,
		"proxy.managed_conf":   c.Proxy.ManagedConf,
		"proxy.dropin_dir":     c.Proxy.DropinDir,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("%s=%q must be an absolute path", name, p))
		} else if filepath.Clean(p) == "/" {
			errs = append(errs, fmt.Sprintf("%s must not be /", name))
		}
	}
	for i, d := range c.Proxy.CandidateDirs {
		if !filepath.IsAbs(d) {
			errs = append(errs, fmt.Sprintf("proxy.candidate_dirs[%d]=%q must be an absolute path", i, d))
		}
	}

	if strings.Contains(c.Service.SocketName, "/") {
		errs = append(errs, fmt.Sprintf("service.socket_name=%q must be a file name", c.Service.SocketName))
	}
	if !strings.HasPrefix(c.Service.HealthPath, "/") {
		errs = append(errs, fmt.Sprintf("service.health_path=%q must start with /", c.Service.HealthPath))
	}
	if _, err := template.New("exec_start").Parse(c.Service.ExecStart); err != nil {
		errs = append(errs, fmt.Sprintf("service.exec_start: %v", err))
	}

	if strings.TrimSpace(c.Deps.Manifest) == "" || strings.TrimSpace(c.Deps.Lock) == "" {
		errs = append(errs, "deps.manifest and deps.lock are required")
	}

	if c.Probe.Attempts < 1 {
		errs = append(errs, fmt.Sprintf("probe.attempts=%d must be at least 1", c.Probe.Attempts))
	}
	if c.Probe.Interval < 0 || c.Probe.Timeout <= 0 {
		errs = append(errs, "probe.interval must be >= 0 and probe.timeout > 0")
	}

	for i, n := range c.Proxy.ServerNames {
		if strings.TrimSpace(n) == "" || strings.ContainsAny(n, ";{}") {
			errs = append(errs, fmt.Sprintf("proxy.server_names[%d]=%q is invalid", i, n))
		}
	}
	for i, n := range c.Proxy.LegacySnippets {
		if n == "" || strings.Contains(n, "/") {
			errs = append(errs, fmt.Sprintf("proxy.legacy_snippets[%d]=%q must be a file name", i, n))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}
