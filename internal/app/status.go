package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/shipctl/internal/config"
	"github.com/blackwell-systems/shipctl/internal/service"
	"github.com/blackwell-systems/shipctl/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the host, the current release and its health",
	Long: `Runs read-only checks against the host.

Checks:
  • service account, directories and env file
  • socket and service units installed, socket enabled and listening
  • current release and its environment
  • health check through the socket
  • last recorded deploy

Exits 1 when a critical check fails and 2 when there are only warnings.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

// report counts check outcomes as they are printed.
type report struct {
	critical int
	warnings int
}

func (r *report) ok(format string, args ...any) {
	fmt.Printf("✓ "+format+"\n", args...)
}

func (r *report) fail(action, format string, args ...any) {
	r.critical++
	fmt.Printf("✗ "+format+"\n", args...)
	if action != "" {
		fmt.Println("  Action:", action)
	}
}

func (r *report) warn(action, format string, args ...any) {
	r.warnings++
	fmt.Printf("⚠ "+format+"\n", args...)
	if action != "" {
		fmt.Println("  Action:", action)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	fmt.Printf("Checking %s...\n\n", e.cfg.App.Name)

	r := &report{}
	checkHost(ctx, e, r)
	checkRelease(ctx, e, r)
	checkHistory(e, r)

	fmt.Println()
	if r.critical == 0 && r.warnings == 0 {
		fmt.Println("✓ All checks passed!")
		return nil
	}
	if r.critical > 0 {
		fmt.Printf("Found %d critical issue(s) and %d warning(s).\n", r.critical, r.warnings)
		return fmt.Errorf("status checks failed")
	}

	// Warnings only: exit 2 without the error line main would print.
	fmt.Printf("Found %d warning(s).\n", r.warnings)
	exit(2)
	return nil
}

func checkHost(ctx context.Context, e *env, r *report) {
	const provisionHint = "run 'shipctl provision'"
	app := e.cfg.App

	if ok, err := e.sys.UserExists(app.User); err != nil || !ok {
		r.fail(provisionHint, "Service user %s missing", app.User)
	} else {
		r.ok("Service user %s", app.User)
	}

	for _, dir := range []string{e.paths.BaseDir, e.paths.ReleasesDir, e.paths.EnvsDir, e.paths.EnvDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			r.fail(provisionHint, "Directory %s missing", dir)
		}
	}

	checkEnvFile(e.paths.EnvFile, r)

	for _, f := range []string{e.paths.SocketFile, e.paths.ServiceFile} {
		if !fileExists(f) {
			r.fail(provisionHint, "Unit file %s missing", f)
		}
	}

	socket := e.paths.SocketUnit
	enabled, _ := e.sys.UnitEnabled(ctx, socket)
	active, _ := e.sys.UnitActive(ctx, socket)
	switch {
	case !active:
		r.fail("systemctl start "+socket, "%s is not listening", socket)
	case !enabled:
		r.warn("systemctl enable "+socket, "%s is listening but not enabled at boot", socket)
	default:
		r.ok("%s listening on %s", socket, e.paths.SocketPath)
	}

	if active, _ := e.sys.UnitActive(ctx, e.paths.ServiceUnit); active {
		r.ok("%s running", e.paths.ServiceUnit)
	} else {
		fmt.Printf("  %s idle (starts on the first connection)\n", e.paths.ServiceUnit)
	}
}

func checkEnvFile(path string, r *report) {
	envFile, err := config.LoadEnvFile(path)
	switch {
	case os.IsNotExist(err):
		r.fail("run 'shipctl provision'", "Env file %s missing", path)
	case err != nil:
		r.fail("", "Cannot read env file %s: %v", path, err)
	case len(envFile.Invalid) > 0:
		r.warn("use KEY=value, one per line", "Env file %s has malformed lines: %v", path, envFile.Invalid)
	default:
		r.ok("Env file %s (%d variables)", path, len(envFile.Vars))
	}
}

func checkRelease(ctx context.Context, e *env, r *report) {
	current, ok, err := e.releases.Current()
	switch {
	case err != nil:
		r.fail("", "Cannot read current release: %v", err)
		return
	case !ok:
		r.warn("run 'shipctl deploy'", "No release deployed yet")
		return
	}
	r.ok("Current release %s", current)

	envTarget, err := os.Readlink(e.paths.EnvLink)
	if err != nil || filepath.Clean(envTarget) != e.releases.EnvPath(current) {
		r.fail("run 'shipctl rollback "+string(current)+"' to relink", "Environment link does not match the current release")
	}

	svc := service.New(e.sys, e.cfg, e.log)
	if svc.Probe(ctx, e.cfg.Probe.Timeout) {
		r.ok("Health check %s passed", e.cfg.Service.HealthPath)
	} else {
		r.fail("run 'journalctl -u "+e.paths.ServiceUnit+"'", "Health check %s failed", e.cfg.Service.HealthPath)
	}
}

func checkHistory(e *env, r *report) {
	if e.history == nil {
		return
	}
	runs, err := e.history.ListDeploys(1)
	if err != nil || len(runs) == 0 {
		return
	}
	last := runs[0]
	switch last.Status {
	case store.StatusHealthy:
		r.ok("Last %s of %s was healthy", last.Kind, last.ReleaseID)
	case store.StatusRunning:
		r.warn("", "A %s started at %s is still recorded as running (stage %s)", last.Kind, last.StartedAt.Local().Format("2006-01-02 15:04:05"), last.Stage)
	default:
		r.warn("see 'shipctl history'", "Last %s ended %s: %s", last.Kind, last.Status, firstLineOf(last.Error))
	}
}

func firstLineOf(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
