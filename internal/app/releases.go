package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/shipctl/internal/output"
)

var (
	historyLimit int
	historyHost  bool
)

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List releases on disk",
	Long: `Lists release directories oldest first. The current release is marked
with *, and the status column shows the last recorded deploy or rollback
outcome for each release.`,
	Args: cobra.NoArgs,
	RunE: runReleases,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded deploys, rollbacks and host runs",
	Example: `  shipctl history
  shipctl history --limit 50
  shipctl history --host`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyHost, "host", false, "show provision and teardown runs instead of deploys")

	RootCmd.AddCommand(releasesCmd)
	RootCmd.AddCommand(historyCmd)
}

func runReleases(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ids, err := e.releases.List()
	if err != nil {
		return fmt.Errorf("failed to list releases: %w", err)
	}
	current, _, err := e.releases.Current()
	if err != nil {
		return err
	}

	statuses := map[string]string{}
	if e.history != nil {
		if statuses, err = e.history.LatestStatusByRelease(); err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
	}

	rows := make([]output.ReleaseRow, 0, len(ids))
	for _, id := range ids {
		created, _ := id.Time()
		rows = append(rows, output.ReleaseRow{
			ID:       string(id),
			Created:  created,
			Current:  id == current,
			EnvReady: e.releases.Installed(id),
			Status:   statuses[string(id)],
		})
	}

	fmt.Print(output.RenderReleaseTable(rows))
	if len(rows) > 0 && current == "" {
		fmt.Println()
		fmt.Println("No current release. Run 'shipctl deploy'.")
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	if e.history == nil {
		fmt.Println("No history recorded yet.")
		return nil
	}

	if historyHost {
		runs, err := e.history.ListHostRuns(historyLimit)
		if err != nil {
			return fmt.Errorf("failed to read host runs: %w", err)
		}
		fmt.Print(output.RenderHostRunTable(runs))
		return nil
	}

	runs, err := e.history.ListDeploys(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read deploys: %w", err)
	}
	fmt.Print(output.RenderDeployTable(runs))
	return nil
}
