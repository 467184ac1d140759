package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blackwell-systems/shipctl/internal/fsutil"
	"github.com/blackwell-systems/shipctl/internal/nginxconf"
	"github.com/blackwell-systems/shipctl/internal/system"
)

// TeardownOptions control a teardown run.
type TeardownOptions struct {
	WithProxy        bool
	Purge            bool
	RemoveAccount    bool
	RestoreProxyConf bool
	DryRun           bool
}

func (o TeardownOptions) record() map[string]any {
	return map[string]any{
		"with_proxy":         o.WithProxy,
		"purge":              o.Purge,
		"remove_account":     o.RemoveAccount,
		"restore_proxy_conf": o.RestoreProxyConf,
	}
}

// Teardown removes what Provision installed. Anything already gone counts as
// done, so a second run has an empty plan.
func (m *Manager) Teardown(ctx context.Context, opts TeardownOptions) (*Result, error) {
	p, err := m.teardownPlan(ctx, opts)
	if err != nil {
		m.recordPlanError("teardown", opts.DryRun, opts.record(), err)
		return nil, err
	}
	return m.execute(ctx, "teardown", opts.record(), opts.DryRun, p)
}

func (m *Manager) teardownPlan(ctx context.Context, opts TeardownOptions) (*plan, error) {
	tools := []string{"systemctl"}
	if opts.RemoveAccount {
		tools = append(tools, "userdel", "groupdel")
	}
	if err := system.CheckPreconditions(m.sys, tools...); err != nil {
		return nil, err
	}

	p := &plan{}
	if err := m.planStopUnits(ctx, p); err != nil {
		return nil, err
	}
	m.planRemoveUnits(p)
	if opts.WithProxy {
		if err := m.planProxyTeardown(ctx, p, opts.RestoreProxyConf); err != nil {
			return nil, err
		}
	}
	if opts.Purge {
		m.planPurge(p)
	}
	if opts.RemoveAccount {
		if err := m.planRemoveAccount(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (m *Manager) planStopUnits(ctx context.Context, p *plan) error {
	unitNames := []string{m.paths.SocketUnit, m.paths.ServiceUnit}

	var active, enabled bool
	for _, u := range unitNames {
		a, err := m.sys.UnitActive(ctx, u)
		if err != nil {
			return err
		}
		e, err := m.sys.UnitEnabled(ctx, u)
		if err != nil {
			return err
		}
		active = active || a
		enabled = enabled || e
	}

	if active {
		p.add("stop "+m.paths.SocketUnit+" and "+m.paths.ServiceUnit, func(ctx context.Context) error {
			for _, u := range unitNames {
				if err := m.sys.StopUnit(ctx, u); err != nil {
					return err
				}
			}
			for _, u := range []string{m.paths.ServiceUnit, m.paths.SocketUnit} {
				if err := m.sys.ResetFailed(ctx, u); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if enabled {
		p.add("disable "+m.paths.SocketUnit+" and "+m.paths.ServiceUnit, func(ctx context.Context) error {
			return m.sys.DisableUnits(ctx, unitNames...)
		})
	}
	return nil
}

func (m *Manager) planRemoveUnits(p *plan) {
	var unitsRemoved bool
	for _, path := range []string{m.paths.SocketFile, m.paths.ServiceFile} {
		if !fsutil.Exists(path) {
			continue
		}
		unitsRemoved = true
		p.add("remove "+path, removeStep(path))
	}
	if fsutil.Exists(m.paths.TmpfilesRule) {
		p.add("remove "+m.paths.TmpfilesRule, removeStep(m.paths.TmpfilesRule))
	}
	if fsutil.Exists(m.paths.RuntimeDir) {
		p.add("remove "+m.paths.RuntimeDir, removeTreeStep(m.paths.RuntimeDir))
	}
	if unitsRemoved {
		p.add("daemon-reload", func(ctx context.Context) error {
			if err := m.sys.DaemonReload(ctx); err != nil {
				return err
			}
			// Units that failed on stop stay listed until their state is reset.
			for _, u := range []string{m.paths.ServiceUnit, m.paths.SocketUnit} {
				if err := m.sys.ResetFailed(ctx, u); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func (m *Manager) planProxyTeardown(ctx context.Context, p *plan, restore bool) error {
	px := m.cfg.Proxy
	edit := &proxyEdit{}

	for _, path := range m.snippetPaths() {
		if _, err := edit.remove(p, path); err != nil {
			return err
		}
	}
	if _, err := edit.remove(p, px.ManagedConf); err != nil {
		return err
	}
	removed, err := edit.remove(p, m.paths.DropinFile)
	if err != nil {
		return err
	}
	edit.dropinChanged = removed

	if m.managedDirRemovable(edit) {
		p.add("remove "+px.ManagedDir, func(context.Context) error {
			_, err := fsutil.RemoveIfExists(px.ManagedDir)
			return err
		})
	}

	mainConf, exists, err := fsutil.ReadFileIfExists(px.MainConf)
	if err != nil {
		return err
	}
	backup, hasBackup, err := fsutil.ReadFileIfExists(m.paths.ProxyBackup)
	if err != nil {
		return err
	}
	switch {
	case restore && hasBackup:
		if !exists || string(mainConf) != string(backup) {
			if err := edit.save(px.MainConf); err != nil {
				return err
			}
			p.add("restore "+px.MainConf+" from "+m.paths.ProxyBackup, writeStep(px.MainConf, backup, 0644))
		}
	case exists:
		if out, ok := nginxconf.RemoveInclude(string(mainConf), m.paths.ManagedGlob); ok {
			if err := edit.save(px.MainConf); err != nil {
				return err
			}
			perm := os.FileMode(0644)
			if fi, err := os.Stat(px.MainConf); err == nil {
				perm = fi.Mode().Perm()
			}
			p.add("remove include "+m.paths.ManagedGlob+" from "+px.MainConf, writeStep(px.MainConf, []byte(out), perm))
		}
	}

	if !edit.changed() {
		return nil
	}
	if _, err := m.sys.LookPath(px.Bin); err != nil {
		m.log.Info("proxy binary not found, skipping validation and reload", "bin", px.Bin)
		return nil
	}

	p.add("validate "+px.MainConf, func(ctx context.Context) error {
		if !fsutil.Exists(px.MainConf) {
			return nil
		}
		out, err := m.sys.ValidateProxyConfig(ctx, px.Bin, px.MainConf)
		if err != nil {
			if rerr := edit.restore(); rerr != nil {
				m.log.Error("restore proxy files", "error", rerr)
			}
			return fmt.Errorf("%w: %v\n%s", ErrConfigValidation, err, out)
		}
		return nil
	})

	active, err := m.sys.UnitActive(ctx, proxyUnit)
	if err != nil {
		return err
	}
	switch {
	case edit.dropinChanged:
		p.add("restart "+proxyUnit, func(ctx context.Context) error {
			if err := m.sys.DaemonReload(ctx); err != nil {
				return err
			}
			if !active {
				return nil
			}
			return m.sys.RestartUnit(ctx, proxyUnit)
		})
	case active:
		p.add("reload "+proxyUnit, func(ctx context.Context) error {
			return m.sys.ReloadUnit(ctx, proxyUnit)
		})
	}
	return nil
}

// managedDirRemovable reports whether the managed directory exists and holds
// nothing but files this run removes.
func (m *Manager) managedDirRemovable(edit *proxyEdit) bool {
	entries, err := os.ReadDir(m.cfg.Proxy.ManagedDir)
	if err != nil {
		return false
	}
	removing := make(map[string]bool)
	for _, s := range edit.saved {
		removing[s.path] = true
	}
	for _, e := range entries {
		if !removing[filepath.Join(m.cfg.Proxy.ManagedDir, e.Name())] {
			return false
		}
	}
	return true
}

func (m *Manager) planPurge(p *plan) {
	for _, dir := range []string{m.paths.ReleasesDir, m.paths.EnvsDir, m.paths.EnvDir, m.paths.BaseDir} {
		if fsutil.Exists(dir) {
			p.add("purge "+dir, removeTreeStep(dir))
		}
	}
}

func (m *Manager) planRemoveAccount(p *plan) error {
	app := m.cfg.App

	ok, err := m.sys.UserExists(app.User)
	if err != nil {
		return err
	}
	if ok {
		p.add("delete user "+app.User, func(ctx context.Context) error {
			return m.sys.DeleteUser(ctx, app.User)
		})
	}

	ok, err = m.sys.GroupExists(app.Group)
	if err != nil {
		return err
	}
	if ok {
		p.add("delete group "+app.Group, func(ctx context.Context) error {
			return m.sys.DeleteGroup(ctx, app.Group)
		})
	}
	return nil
}

func removeStep(path string) func(context.Context) error {
	return func(context.Context) error {
		_, err := fsutil.RemoveIfExists(path)
		return err
	}
}

func removeTreeStep(path string) func(context.Context) error {
	return func(context.Context) error {
		_, err := fsutil.RemoveTree(path)
		return err
	}
}
