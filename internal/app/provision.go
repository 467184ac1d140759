package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/shipctl/internal/output"
	"github.com/blackwell-systems/shipctl/internal/provision"
)

var (
	provisionWithProxy   bool
	provisionServerNames []string
	provisionSocketGroup string
	provisionDryRun      bool
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Install the service account, directories, units and proxy snippet",
	Long: `Brings the host to the layout shipctl expects. Every step checks the
current state first, so running provision again changes nothing.

Installs:
  • the service user and group
  • base, releases and envs directories, and the env directory with a
    template env file (never overwritten)
  • the socket and service units and the tmpfiles rule for the socket
    directory, then enables and starts the socket
  • with --with-proxy: an nginx snippet proxying to the socket, plus a
    managed config and drop-in when nginx.conf has no usable include dir`,
	Example: `  shipctl provision --dry-run
  shipctl provision --with-proxy --proxy-server-name example.com,www.example.com`,
	Args: cobra.NoArgs,
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().BoolVar(&provisionWithProxy, "with-proxy", false, "install the nginx integration")
	provisionCmd.Flags().StringSliceVar(&provisionServerNames, "proxy-server-name", nil, "server_name values for the nginx snippet (default: proxy.server_names)")
	provisionCmd.Flags().StringVar(&provisionSocketGroup, "socket-group", "", "group owning the socket (default: the proxy group with --with-proxy, else the service group)")
	provisionCmd.Flags().BoolVar(&provisionDryRun, "dry-run", false, "show the plan without applying it")

	RootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
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

	res, err := mgr.Provision(ctx, provision.Options{
		WithProxy:        provisionWithProxy,
		ProxyServerNames: provisionServerNames,
		SocketGroup:      provisionSocketGroup,
		DryRun:           provisionDryRun,
	})
	finish()
	if err != nil {
		return err
	}

	printResult(res, e.cfg.App.Name)
	if !provisionDryRun && res.Changed() {
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Printf("  • Review %s\n", e.paths.EnvFile)
		fmt.Println("  • Deploy: shipctl deploy --source <dir>")
	}
	return nil
}

// attachProgress shows a progress bar while a plan is applied. The returned
// func ends the bar.
func attachProgress(mgr *provision.Manager) func() {
	var bar *output.ProgressBar
	mgr.OnPlan = func(steps []string) {
		if len(steps) > 0 {
			bar = output.NewProgress(len(steps), "")
		}
	}
	mgr.OnStep = func(name string) {
		if bar != nil {
			bar.Step(name)
		}
	}
	return func() {
		if bar != nil {
			bar.Finish()
		}
	}
}

func printResult(res *provision.Result, app string) {
	switch {
	case res.DryRun:
		fmt.Printf("Planned %s of %s (dry run, nothing applied):\n", res.Action, app)
		fmt.Print(output.RenderPlan(res.Planned))
	case !res.Changed():
		fmt.Printf("✓ %s: nothing to do, host already matches\n", res.Action)
	default:
		fmt.Printf("✓ %s of %s complete (%d changes)\n", res.Action, app, len(res.Applied))
	}
}
