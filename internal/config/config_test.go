package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "shipctl.yaml"), true)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.App.Name != "app" {
		t.Errorf("App.Name = %q, want %q", cfg.App.Name, "app")
	}
	if cfg.App.BaseDir != "/srv/app" {
		t.Errorf("App.BaseDir = %q, want %q", cfg.App.BaseDir, "/srv/app")
	}
	if cfg.Probe.Attempts != 20 || cfg.Probe.Interval != 500*time.Millisecond {
		t.Errorf("unexpected probe defaults: %+v", cfg.Probe)
	}
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), false)
	if err == nil {
		t.Fatal("Load() should fail when an explicit config path is missing")
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipctl.yaml")
	content := `
app:
  name: web
  base_dir: /opt/web
probe:
  attempts: 5
  interval: 250ms
proxy:
  server_names: [example.com, www.example.com]
  legacy_snippets: [web-old.conf]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.App.User != "web" || cfg.App.Group != "web" {
		t.Errorf("user/group should default to the app name, got %q/%q", cfg.App.User, cfg.App.Group)
	}
	if cfg.Probe.Attempts != 5 || cfg.Probe.Interval != 250*time.Millisecond {
		t.Errorf("probe not parsed: %+v", cfg.Probe)
	}
	if len(cfg.Proxy.ServerNames) != 2 {
		t.Errorf("ServerNames = %v", cfg.Proxy.ServerNames)
	}
	if cfg.Service.RuntimeDir != "/run/web" {
		t.Errorf("RuntimeDir = %q, want /run/web", cfg.Service.RuntimeDir)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipctl.yaml")
	if err := os.WriteFile(path, []byte("app:\n  nmae: typo\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path, false); err == nil {
		t.Fatal("Load() should reject unknown fields")
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipctl.yaml")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.App.Name != "app" {
		t.Errorf("App.Name = %q", cfg.App.Name)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.App.Name = "bad name"
	cfg.App.BaseDir = "relative/path"
	cfg.Probe.Attempts = -1
	cfg.Service.HealthPath = "health"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"app.name", "app.base_dir", "probe.attempts", "service.health_path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err.Error(), want)
		}
	}
}

func TestResolvePaths(t *testing.T) {
	cfg := Default()
	cfg.App.Name = "web"
	cfg.App.BaseDir = "/srv/web/"
	cfg.Service.RuntimeDir = "/run/web"
	cfg.Service.SocketName = "web.sock"

	p := cfg.ResolvePaths()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"releases", p.ReleasesDir, "/srv/web/releases"},
		{"envs", p.EnvsDir, "/srv/web/envs"},
		{"current", p.CurrentLink, "/srv/web/current"},
		{"env link", p.EnvLink, "/srv/web/current-env"},
		{"socket", p.SocketPath, "/run/web/web.sock"},
		{"socket unit", p.SocketUnit, "web.socket"},
		{"service unit", p.ServiceUnit, "web.service"},
		{"snippet", p.SnippetName, "web.conf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
