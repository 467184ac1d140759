package app

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blackwell-systems/shipctl/internal/config"
	"github.com/blackwell-systems/shipctl/internal/system"
	"github.com/blackwell-systems/shipctl/internal/system/systemtest"
)

// testHost points the commands at a config rooted in a temp dir and at an
// in-memory host. It returns the fake and the resolved paths.
func testHost(t *testing.T) (*systemtest.Fake, config.Paths) {
	t.Helper()
	root := t.TempDir()
	nginx := filepath.Join(root, "etc", "nginx")

	cfgYAML := fmt.Sprintf(`app:
  name: web
  base_dir: %[1]s/srv/web
  env_dir: %[1]s/etc/web
  state_dir: %[1]s/var/lib/shipctl/web
service:
  unit_dir: %[1]s/etc/systemd/system
  tmpfiles_dir: %[1]s/etc/tmpfiles.d
  runtime_dir: %[1]s/run/web
probe:
  attempts: 1
  interval: 10ms
  timeout: 100ms
proxy:
  prefix: %[2]s
  main_conf: %[2]s/nginx.conf
  candidate_dirs: [%[2]s/conf.d]
  managed_dir: %[2]s/web.d
  managed_conf: %[2]s/web-managed.conf
  dropin_dir: %[1]s/etc/systemd/system/nginx.service.d
`, root, nginx)

	path := filepath.Join(root, "shipctl.yaml")
	if err := os.WriteFile(path, []byte(cfgYAML), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := config.Load(path, false)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	fake := systemtest.New()

	oldConfig, oldDB, oldSystem, oldExit := configPath, dbPath, newSystem, exit
	configPath, dbPath = path, ""
	newSystem = func(*slog.Logger) (system.System, func(), error) {
		return fake, func() {}, nil
	}
	t.Cleanup(func() {
		configPath, dbPath, newSystem, exit = oldConfig, oldDB, oldSystem, oldExit
		provisionWithProxy, provisionServerNames, provisionSocketGroup, provisionDryRun = false, nil, "", false
		teardownWithProxy, teardownPurge, teardownRemoveAccount, teardownRestoreProxy, teardownDryRun = false, false, false, false, false
		historyLimit, historyHost = 20, false
		deploySource = ""
	})

	return fake, cfg.ResolvePaths()
}

// captureStdout runs f and returns what it printed to stdout.
func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = origStdout }()

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		buf.ReadFrom(r)
		done <- buf.String()
	}()

	f()

	w.Close()
	return <-done
}

func TestRootCommand(t *testing.T) {
	if RootCmd.Use != "shipctl" {
		t.Errorf("expected Use to be 'shipctl', got '%s'", RootCmd.Use)
	}
	if RootCmd.Short == "" || RootCmd.Long == "" {
		t.Error("expected Short and Long descriptions to be set")
	}
	if !RootCmd.SilenceUsage || !RootCmd.SilenceErrors {
		t.Error("expected usage and errors to be silenced; main prints errors")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, cmd := range RootCmd.Commands() {
		found[cmd.Name()] = true
	}
	for _, expected := range []string{"provision", "deploy", "teardown", "rollback", "releases", "history", "status", "version"} {
		if !found[expected] {
			t.Errorf("expected command '%s' to be registered", expected)
		}
	}
}

func TestRootCommandHasPersistentFlags(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{"config", config.DefaultPath},
		{"db", ""},
		{"verbose", "false"},
	}
	for _, tt := range tests {
		flag := RootCmd.PersistentFlags().Lookup(tt.name)
		if flag == nil {
			t.Errorf("expected --%s flag to be registered", tt.name)
			continue
		}
		if flag.Usage == "" {
			t.Errorf("expected --%s flag to have usage text", tt.name)
		}
		if flag.DefValue != tt.def {
			t.Errorf("--%s default = %q, want %q", tt.name, flag.DefValue, tt.def)
		}
	}
}

func TestCommandForProgram(t *testing.T) {
	tests := []struct {
		argv0 string
		want  string
	}{
		{"/usr/local/bin/provision", "provision"},
		{"deploy", "deploy"},
		{"/usr/sbin/teardown", "teardown"},
		{"/usr/bin/shipctl", ""},
		{"rollback", ""},
	}
	for _, tt := range tests {
		if got := commandForProgram(tt.argv0); got != tt.want {
			t.Errorf("commandForProgram(%q) = %q, want %q", tt.argv0, got, tt.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	_, paths := testHost(t)

	dbPath = filepath.Join(t.TempDir(), "other.db")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.App.Name != "web" {
		t.Errorf("App.Name = %q", cfg.App.Name)
	}
	if cfg.History.DBPath != dbPath {
		t.Errorf("--db should override history.db_path, got %q", cfg.History.DBPath)
	}
	if paths.SocketUnit != "web.socket" {
		t.Errorf("SocketUnit = %q", paths.SocketUnit)
	}
}

func TestLoadConfig_ExplicitMissingFails(t *testing.T) {
	testHost(t)

	flag := RootCmd.PersistentFlags().Lookup("config")
	if err := RootCmd.PersistentFlags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	t.Cleanup(func() { flag.Changed = false })

	if _, err := loadConfig(); err == nil {
		t.Fatal("loadConfig() should fail for an explicit missing file")
	}
}

func TestVersionCommand(t *testing.T) {
	old := Version
	Version = "v1.2.3"
	defer func() { Version = old }()

	out := captureStdout(t, func() {
		versionCmd.Run(versionCmd, nil)
	})
	if strings.TrimSpace(out) != "shipctl v1.2.3" {
		t.Errorf("version output = %q", out)
	}
}
