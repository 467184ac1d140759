package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/shipctl/internal/config"
	"github.com/blackwell-systems/shipctl/internal/release"
	"github.com/blackwell-systems/shipctl/internal/store"
	"github.com/blackwell-systems/shipctl/internal/system"
)

var (
	configPath string
	dbPath     string
	verbose    bool

	// RootCmd is the root command for shipctl
	RootCmd = &cobra.Command{
		Use:   "shipctl",
		Short: "Release-based deploys for socket-activated web applications",
		Long: `shipctl installs a web application as a socket-activated systemd service,
deploys it as immutable timestamped releases and switches between them with
an atomic symlink flip.

Each release gets its own dependency environment built from the lock file.
The current release changes only after its environment is complete, and a
failed health check leaves the host on the new release with diagnostics so
you can decide whether to roll back.

Quick Start:
  1. shipctl provision --with-proxy --proxy-server-name example.com
  2. edit /etc/<app>/<app>.env
  3. shipctl deploy --source ./myapp
  4. shipctl status

Examples:
  # Preview what provisioning would change
  shipctl provision --dry-run

  # Deploy the working directory
  shipctl deploy

  # Go back to the release before the current one
  shipctl rollback previous

  # Remove everything, including releases and the service account
  shipctl teardown --with-proxy --purge --remove-account`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("shipctl: release-based deploys for socket-activated web applications")
			fmt.Println()
			fmt.Println("Run 'shipctl status' to check the host.")
			fmt.Println("Run 'shipctl --help' for the full reference.")
			return nil
		},
	}
)

// newSystem builds the host facade. Tests replace it with a fake.
var newSystem = func(log *slog.Logger) (system.System, func(), error) {
	h := system.NewHost(log, system.NewSystemBus)
	return h, h.Close, nil
}

// exit is os.Exit, replaced in tests.
var exit = os.Exit

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "configuration file")
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "history database path (default: <state_dir>/history.db)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every step")

	RootCmd.SuggestionsMinimumDistance = 2
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}

// ExecuteAs runs the command implied by the program name, so that links
// named provision, deploy or teardown behave like the subcommand.
func ExecuteAs(argv0 string, args []string) error {
	if sub := commandForProgram(argv0); sub != "" {
		args = append([]string{sub}, args...)
	}
	RootCmd.SetArgs(args)
	return RootCmd.Execute()
}

func commandForProgram(argv0 string) string {
	switch name := filepath.Base(argv0); name {
	case "provision", "deploy", "teardown":
		return name
	default:
		return ""
	}
}

// loadConfig reads --config. The default path may be absent; an explicit
// one may not.
func loadConfig() (*config.Config, error) {
	explicit := RootCmd.PersistentFlags().Changed("config")
	cfg, err := config.Load(configPath, !explicit)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.History.DBPath = dbPath
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// env is what every command needs.
type env struct {
	cfg      *config.Config
	paths    config.Paths
	log      *slog.Logger
	sys      system.System
	history  *store.Store // nil when the history database cannot be opened
	releases *release.Store
	closers  []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// setup loads the configuration and opens the host facade. The history
// database is opened only when it already exists; commands that record runs
// create it through openHistory once there is something to record.
func setup() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger()

	sys, closeSys, err := newSystem(log)
	if err != nil {
		return nil, err
	}

	paths := cfg.ResolvePaths()
	e := &env{
		cfg:   cfg,
		paths: paths,
		log:   log,
		sys:   sys,
		releases: release.New(release.Layout{
			ReleasesDir: paths.ReleasesDir,
			EnvsDir:     paths.EnvsDir,
			CurrentLink: paths.CurrentLink,
			EnvLink:     paths.EnvLink,
		}),
		closers: []func(){closeSys},
	}

	if fileExists(paths.HistoryDB) {
		if _, err := e.openHistory(); err != nil {
			log.Warn("history database unavailable", "path", paths.HistoryDB, "error", err)
		}
	}
	return e, nil
}

// openHistory opens the history database, creating it if needed.
func (e *env) openHistory() (*store.Store, error) {
	if e.history != nil {
		return e.history, nil
	}
	history, err := store.Open(e.paths.HistoryDB)
	if err != nil {
		return nil, err
	}
	e.history = history
	e.closers = append(e.closers, func() { history.Close() })
	return history, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// signalContext is cancelled on SIGINT and SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
