package app

import (
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/shipctl/internal/provision"
)

var (
	teardownWithProxy     bool
	teardownPurge         bool
	teardownRemoveAccount bool
	teardownRestoreProxy  bool
	teardownDryRun        bool
)

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Stop the service and remove what provision installed",
	Long: `Stops and disables the socket and service, then removes the unit files,
the tmpfiles rule and the socket directory. Anything already absent counts
as done, so teardown can be repeated safely.

Releases, environments and the env file are kept unless --purge is given.
The service account is kept unless --remove-account is given.`,
	Example: `  shipctl teardown --dry-run
  shipctl teardown --with-proxy --restore-proxy-conf
  shipctl teardown --with-proxy --purge --remove-account`,
	Args: cobra.NoArgs,
	RunE: runTeardown,
}

func init() {
	teardownCmd.Flags().BoolVar(&teardownWithProxy, "with-proxy", false, "remove the nginx integration")
	teardownCmd.Flags().BoolVar(&teardownPurge, "purge", false, "delete releases, environments and the env directory")
	teardownCmd.Flags().BoolVar(&teardownRemoveAccount, "remove-account", false, "delete the service user and group")
	teardownCmd.Flags().BoolVar(&teardownRestoreProxy, "restore-proxy-conf", false, "put back the nginx.conf saved on first provision")
	teardownCmd.Flags().BoolVar(&teardownDryRun, "dry-run", false, "show the plan without applying it")

	RootCmd.AddCommand(teardownCmd)
}

func runTeardown(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	mgr := provision.New(e.cfg, e.sys, e.history, e.log)
	mgr.OpenHistory = e.openHistory
	finish := attachProgress(mgr)

	res, err := mgr.Teardown(ctx, provision.TeardownOptions{
		WithProxy:        teardownWithProxy,
		Purge:            teardownPurge,
		RemoveAccount:    teardownRemoveAccount,
		RestoreProxyConf: teardownRestoreProxy,
		DryRun:           teardownDryRun,
	})
	finish()
	if err != nil {
		return err
	}

	printResult(res, e.cfg.App.Name)
	return nil
}
