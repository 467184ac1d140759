// Package deploy creates releases, installs their dependencies and cuts the
// service over to them.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/blackwell-systems/shipctl/internal/config"
	"github.com/blackwell-systems/shipctl/internal/fsutil"
	"github.com/blackwell-systems/shipctl/internal/release"
	"github.com/blackwell-systems/shipctl/internal/store"
	"github.com/blackwell-systems/shipctl/internal/system"
)

// Controller is the service control the manager needs.
type Controller interface {
	Quiesce(ctx context.Context) error
	EnsureRuntimeDir(ctx context.Context) error
	StartListener(ctx context.Context) error
	WaitHealthy(ctx context.Context, attempts int, interval, timeout time.Duration) bool
	Diagnostics(ctx context.Context) string
}

// Manager runs deploys and rollbacks. Overlapping runs on one host are not
// supported.
type Manager struct {
	cfg      *config.Config
	releases *release.Store
	sys      system.System
	svc      Controller
	history  *store.Store // optional
	log      *slog.Logger
	now      func() time.Time

	// OnStage, when set, is called on every state transition.
	OnStage func(Stage)

	// OpenHistory, when set and no history store was given, opens one the
	// first time a run is recorded.
	OpenHistory func() (*store.Store, error)
	historyTried bool
}

// New returns a Manager. history may be nil.
func New(cfg *config.Config, releases *release.Store, sys system.System, svc Controller, history *store.Store, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		releases: releases,
		sys:      sys,
		svc:      svc,
		history:  history,
		log:      log,
		now:      time.Now,
	}
}

// Deploy turns the payload in source into a new release and makes it
// current. The pointer moves only after the dependencies are installed; a
// failed health check leaves it on the new release and returns a
// *HealthCheckError.
func (m *Manager) Deploy(ctx context.Context, source string) (release.ID, error) {
	src, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("resolve source: %w", err)
	}
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("source %s is not a directory", src)
	}
	if err := m.checkPreconditions(true); err != nil {
		return "", err
	}

	prev, _, err := m.releases.Current()
	if err != nil {
		return "", err
	}

	r := m.begin(store.KindDeploy, prev)

	id, err := m.build(ctx, r, src)
	if err != nil {
		m.finish(r, err)
		return id, err
	}

	err = m.cutover(ctx, r, id)
	m.finish(r, err)
	return id, err
}

// build runs allocating, syncing and resolving_deps.
func (m *Manager) build(ctx context.Context, r *run, src string) (release.ID, error) {
	m.enter(r, StageAllocating)
	id, err := m.releases.Create()
	if err != nil {
		return "", err
	}
	r.release = id
	dir := m.releases.Path(id)
	m.log.Info("release allocated", "release", id, "path", dir)

	if err := m.sys.Chown(ctx, dir, m.cfg.App.User, m.cfg.App.Group); err != nil {
		return id, fmt.Errorf("chown %s: %w", dir, err)
	}

	m.enter(r, StageSyncing)
	excludes := append([]string{release.InstalledMarker}, m.cfg.Deps.Excludes...)
	if err := fsutil.Mirror(src, dir, excludes); err != nil {
		return id, err
	}
	if err := m.sys.Chown(ctx, dir, m.cfg.App.User, m.cfg.App.Group); err != nil {
		return id, fmt.Errorf("chown %s: %w", dir, err)
	}

	m.enter(r, StageResolvingDeps)
	for _, name := range []string{m.cfg.Deps.Manifest, m.cfg.Deps.Lock} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return id, fmt.Errorf("%w: %s missing from payload", ErrDependencyResolution, name)
		}
	}
	envDir := m.releases.EnvPath(id)
	err = m.sys.InstallDependencies(ctx, system.DepsRequest{
		Command: m.cfg.Deps.Command,
		Dir:     dir,
		EnvDir:  envDir,
	})
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrDependencyResolution, err)
	}
	if !m.releases.EnvExists(id) {
		return id, fmt.Errorf("%w: installer did not create %s", ErrDependencyResolution, envDir)
	}
	if err := m.sys.Chown(ctx, envDir, m.cfg.App.User, m.cfg.App.Group); err != nil {
		return id, fmt.Errorf("chown %s: %w", envDir, err)
	}
	if err := m.releases.MarkInstalled(id); err != nil {
		return id, err
	}

	return id, nil
}

// checkPreconditions runs before anything on the host changes. A deploy
// also needs the dependency installer.
func (m *Manager) checkPreconditions(installer bool) error {
	var tools []string
	if installer && len(m.cfg.Deps.Command) > 0 {
		tools = append(tools, m.cfg.Deps.Command[0])
	}
	return system.CheckPreconditions(m.sys, tools...)
}

// cutover runs switching, restarting and probing against id.
func (m *Manager) cutover(ctx context.Context, r *run, id release.ID) error {
	m.enter(r, StageSwitching)
	if err := m.svc.Quiesce(ctx); err != nil {
		return err
	}
	if err := m.releases.SetCurrentEnv(id); err != nil {
		return err
	}
	if err := m.releases.SetCurrent(id); err != nil {
		m.restoreEnvLink(r)
		return err
	}
	m.log.Info("current release switched", "release", id, "previous", r.previous)

	m.enter(r, StageRestarting)
	if err := m.svc.EnsureRuntimeDir(ctx); err != nil {
		return err
	}
	if err := m.svc.StartListener(ctx); err != nil {
		return err
	}

	m.enter(r, StageProbing)
	p := m.cfg.Probe
	if m.svc.WaitHealthy(ctx, p.Attempts, p.Interval, p.Timeout) {
		m.enter(r, StageHealthy)
		return nil
	}

	m.enter(r, StageUnhealthy)
	return &HealthCheckError{
		Release:     id,
		Attempts:    p.Attempts,
		Diagnostics: m.svc.Diagnostics(ctx),
	}
}

// restoreEnvLink puts the environment link back in step with the current
// link after a failed flip.
func (m *Manager) restoreEnvLink(r *run) {
	var err error
	if r.previous != "" {
		err = m.releases.SetCurrentEnv(r.previous)
	} else {
		err = m.releases.ClearCurrentEnv()
	}
	if err != nil {
		m.log.Error("restore environment link", "previous", r.previous, "error", err)
	}
}

// Previous is the rollback target meaning "the release before the current
// one".
const Previous = "previous"

// Rollback makes an existing release current again and restarts the service
// against it. target is a release id or Previous.
func (m *Manager) Rollback(ctx context.Context, target string) (release.ID, error) {
	if err := m.checkPreconditions(false); err != nil {
		return "", err
	}

	cur, hasCur, err := m.releases.Current()
	if err != nil {
		return "", err
	}

	var id release.ID
	if target == Previous {
		if !hasCur {
			return "", errors.New("no current release to roll back from")
		}
		prev, ok, err := m.releases.Previous(cur)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("no release older than %s", cur)
		}
		id = prev
	} else {
		id, err = release.ParseID(target)
		if err != nil {
			return "", err
		}
	}

	if !m.releases.Exists(id) {
		return "", fmt.Errorf("%w: %s", release.ErrNotFound, id)
	}
	if !m.releases.EnvExists(id) {
		return "", fmt.Errorf("%w: environment for %s", release.ErrNotFound, id)
	}
	if !m.releases.Installed(id) {
		return "", fmt.Errorf("%w: %s", release.ErrIncomplete, id)
	}

	r := m.begin(store.KindRollback, cur)
	r.release = id
	err = m.cutover(ctx, r, id)
	m.finish(r, err)
	return id, err
}
