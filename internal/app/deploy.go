package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/shipctl/internal/deploy"
	"github.com/blackwell-systems/shipctl/internal/output"
	"github.com/blackwell-systems/shipctl/internal/release"
	"github.com/blackwell-systems/shipctl/internal/service"
)

var deploySource string

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a payload as a new release and switch to it",
	Long: `Copies the payload into a new timestamped release, installs its
dependencies from the lock file into a matching environment, then switches
the current release and restarts the socket.

The current release only changes once the environment is complete. When the
health check fails the new release stays current and diagnostics are
printed; run 'shipctl rollback previous' to go back.`,
	Example: `  shipctl deploy
  shipctl deploy --source /tmp/build/myapp`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <release-id | previous>",
	Short: "Switch back to an existing release",
	Long: `Points the current release at an existing release and its environment,
restarts the socket and runs the health check. Nothing is rebuilt.

Arguments:
  release-id  a release directory name, as listed by 'shipctl releases'
  previous    the newest release older than the current one`,
	Example: `  shipctl rollback previous
  shipctl rollback 20240102T150405.000000Z`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	deployCmd.Flags().StringVar(&deploySource, "source", "", "payload directory (default: the working directory)")

	RootCmd.AddCommand(deployCmd)
	RootCmd.AddCommand(rollbackCmd)
}

func newDeployManager(e *env) *deploy.Manager {
	svc := service.New(e.sys, e.cfg, e.log)
	mgr := deploy.New(e.cfg, e.releases, e.sys, svc, e.history, e.log)
	mgr.OpenHistory = e.openHistory
	return mgr
}

// runWithSpinner shows each stage of a deploy or rollback.
func runWithSpinner(mgr *deploy.Manager, first string, fn func() (release.ID, error)) (release.ID, error) {
	spinner := output.NewSpinner(first).WithTimeout(0)
	last := deploy.StageIdle
	mgr.OnStage = func(s deploy.Stage) {
		last = s
		spinner.Update(s.Describe())
	}
	spinner.Start()

	id, err := fn()
	switch {
	case err == nil:
		spinner.StopWithMessage(fmt.Sprintf("✓ Release %s is live and healthy", id))
	case last == deploy.StageIdle:
		spinner.Stop()
	case last == deploy.StageUnhealthy:
		spinner.StopWithMessage(fmt.Sprintf("✗ Release %s failed its health check", id))
	default:
		spinner.StopWithMessage(fmt.Sprintf("✗ Failed while %s", strings.ToLower(last.Describe())))
	}

	var hc *deploy.HealthCheckError
	if errors.As(err, &hc) {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, hc.Diagnostics)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Release %s is current but unhealthy.\n", hc.Release)
		fmt.Fprintln(os.Stderr, "  Action: fix and deploy again, or run 'shipctl rollback previous'")
	}
	return id, err
}

func runDeploy(cmd *cobra.Command, args []string) error {
	source := deploySource
	if source == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		source = wd
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	mgr := newDeployManager(e)
	start := time.Now()
	_, err = runWithSpinner(mgr, "Preparing deploy", func() (release.ID, error) {
		return mgr.Deploy(ctx, source)
	})
	if err != nil {
		return err
	}
	fmt.Printf("  Deployed in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	mgr := newDeployManager(e)
	_, err = runWithSpinner(mgr, "Preparing rollback", func() (release.ID, error) {
		return mgr.Rollback(ctx, args[0])
	})
	return err
}
