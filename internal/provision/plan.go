// Package provision reconciles the host with the layout shipctl expects and
// tears it down again. Both directions compute a plan of steps from the
// current host state and apply only the steps whose state differs, so a
// repeated run is a no-op.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blackwell-systems/shipctl/internal/config"
	"github.com/blackwell-systems/shipctl/internal/store"
	"github.com/blackwell-systems/shipctl/internal/system"
)

// ErrConfigValidation means the proxy rejected the rendered configuration.
// The previous files are restored before it is returned.
var ErrConfigValidation = errors.New("proxy configuration validation failed")

// Step is one change to the host.
type Step struct {
	Name  string
	Apply func(ctx context.Context) error
}

// Result describes one provision or teardown run.
type Result struct {
	Action  string
	DryRun  bool
	Planned []string
	Applied []string
}

// Changed reports whether the run had anything to do.
func (r *Result) Changed() bool {
	return len(r.Planned) > 0
}

type plan struct {
	steps []Step
}

func (p *plan) add(name string, fn func(ctx context.Context) error) {
	p.steps = append(p.steps, Step{Name: name, Apply: fn})
}

func (p *plan) names() []string {
	out := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		out = append(out, s.Name)
	}
	return out
}

// Manager provisions and tears down one application.
type Manager struct {
	cfg     *config.Config
	paths   config.Paths
	sys     system.System
	history *store.Store // optional
	log     *slog.Logger

	// OnPlan and OnStep, when set, are called once with the plan about to
	// be applied and before each step.
	OnPlan func(steps []string)
	OnStep func(name string)

	// OpenHistory, when set and no history store was given, opens one the
	// first time a run is recorded.
	OpenHistory  func() (*store.Store, error)
	historyTried bool
}

// New returns a Manager. history may be nil.
func New(cfg *config.Config, sys system.System, history *store.Store, log *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		paths:   cfg.ResolvePaths(),
		sys:     sys,
		history: history,
		log:     log,
	}
}

// execute applies p unless dryRun, then records the run.
func (m *Manager) execute(ctx context.Context, action string, options map[string]any, dryRun bool, p *plan) (*Result, error) {
	res := &Result{
		Action:  action,
		DryRun:  dryRun,
		Planned: p.names(),
	}

	var runErr error
	if !dryRun {
		if m.OnPlan != nil {
			m.OnPlan(res.Planned)
		}
		for _, s := range p.steps {
			if m.OnStep != nil {
				m.OnStep(s.Name)
			}
			m.log.Info("applying", "action", action, "step", s.Name)
			if err := s.Apply(ctx); err != nil {
				runErr = fmt.Errorf("%s: %w", s.Name, err)
				break
			}
			res.Applied = append(res.Applied, s.Name)
		}
	}

	m.record(res, options, runErr)
	return res, runErr
}

// recordPlanError records a run that failed while planning. A failed
// precondition changed nothing and leaves no trace on the host.
func (m *Manager) recordPlanError(action string, dryRun bool, options map[string]any, err error) {
	if errors.Is(err, system.ErrPrecondition) {
		return
	}
	m.record(&Result{Action: action, DryRun: dryRun}, options, err)
}

// ledger returns the history store, opening it on first use when needed.
func (m *Manager) ledger() *store.Store {
	if m.history == nil && m.OpenHistory != nil && !m.historyTried {
		m.historyTried = true
		h, err := m.OpenHistory()
		if err != nil {
			m.log.Warn("history database unavailable", "error", err)
		} else {
			m.history = h
		}
	}
	return m.history
}

func (m *Manager) record(res *Result, options map[string]any, runErr error) {
	h := m.ledger()
	if h == nil {
		return
	}
	run := &store.HostRun{
		Action:    res.Action,
		Options:   options,
		Changes:   len(res.Planned),
		DryRun:    res.DryRun,
		Status:    store.StatusOK,
		CreatedAt: time.Now(),
	}
	if runErr != nil {
		run.Status = store.StatusFailed
		run.Error = runErr.Error()
	}
	if _, err := h.InsertHostRun(run); err != nil {
		m.log.Warn("history: record host run", "error", err)
	}
}

// dirSpec is a directory with a fixed mode and owner.
type dirSpec struct {
	path  string
	mode  os.FileMode
	user  string
	group string
}

func (m *Manager) dirMatches(d dirSpec) bool {
	fi, err := os.Stat(d.path)
	if err != nil || !fi.IsDir() || fi.Mode().Perm() != d.mode {
		return false
	}
	return m.ownedBy(d.path, d.user, d.group)
}

func (m *Manager) ensureDir(ctx context.Context, d dirSpec) error {
	if err := os.MkdirAll(d.path, d.mode); err != nil {
		return err
	}
	if err := os.Chmod(d.path, d.mode); err != nil {
		return err
	}
	return m.sys.Chown(ctx, d.path, d.user, d.group)
}

// ownedBy compares the path's owner with the named account. Unknown
// accounts never match.
func (m *Manager) ownedBy(path, user, group string) bool {
	uid, gid, err := m.sys.LookupIDs(user, group)
	if err != nil {
		return false
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false
	}
	return int(st.Uid) == uid && int(st.Gid) == gid
}
