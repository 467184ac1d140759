package provision

import (
	"context"
	"fmt"
	"os"

	"github.com/blackwell-systems/shipctl/internal/config"
	"github.com/blackwell-systems/shipctl/internal/fsutil"
	"github.com/blackwell-systems/shipctl/internal/system"
	"github.com/blackwell-systems/shipctl/internal/units"
)

// Options control a provision run.
type Options struct {
	WithProxy        bool
	ProxyServerNames []string
	SocketGroup      string // defaults to the proxy group with a proxy, else the service group
	DryRun           bool
}

func (o Options) record() map[string]any {
	return map[string]any{
		"with_proxy":   o.WithProxy,
		"server_names": o.ProxyServerNames,
		"socket_group": o.SocketGroup,
	}
}

// Provision brings the host to the desired layout. With DryRun the plan is
// returned without being applied.
func (m *Manager) Provision(ctx context.Context, opts Options) (*Result, error) {
	if opts.SocketGroup == "" {
		opts.SocketGroup = m.cfg.App.Group
		if opts.WithProxy {
			opts.SocketGroup = m.cfg.Proxy.Group
		}
	}

	p, err := m.provisionPlan(ctx, opts)
	if err != nil {
		m.recordPlanError("provision", opts.DryRun, opts.record(), err)
		return nil, err
	}
	return m.execute(ctx, "provision", opts.record(), opts.DryRun, p)
}

func (m *Manager) provisionPlan(ctx context.Context, opts Options) (*plan, error) {
	tools := []string{"systemctl", "systemd-tmpfiles", "useradd", "groupadd"}
	if opts.WithProxy {
		tools = append(tools, m.cfg.Proxy.Bin)
	}
	if err := system.CheckPreconditions(m.sys, tools...); err != nil {
		return nil, err
	}

	data := units.NewData(m.cfg, opts.SocketGroup, opts.ProxyServerNames)

	p := &plan{}
	if err := m.planAccounts(p); err != nil {
		return nil, err
	}
	m.planDirs(p)
	m.planEnvFile(p)
	if err := m.planUnits(ctx, p, data); err != nil {
		return nil, err
	}
	if opts.WithProxy {
		if err := m.planProxy(ctx, p, data); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (m *Manager) planAccounts(p *plan) error {
	app := m.cfg.App

	ok, err := m.sys.GroupExists(app.Group)
	if err != nil {
		return err
	}
	if !ok {
		p.add("create group "+app.Group, func(ctx context.Context) error {
			return m.sys.CreateGroup(ctx, app.Group)
		})
	}

	ok, err = m.sys.UserExists(app.User)
	if err != nil {
		return err
	}
	if !ok {
		p.add("create user "+app.User, func(ctx context.Context) error {
			return m.sys.CreateUser(ctx, app.User, app.Group, m.paths.BaseDir)
		})
	}
	return nil
}

func (m *Manager) planDirs(p *plan) {
	app := m.cfg.App
	dirs := []dirSpec{
		{m.paths.BaseDir, 0755, app.User, app.Group},
		{m.paths.ReleasesDir, 0755, app.User, app.Group},
		{m.paths.EnvsDir, 0755, app.User, app.Group},
		{m.paths.EnvDir, 0750, "root", app.Group},
	}
	for _, d := range dirs {
		if m.dirMatches(d) {
			continue
		}
		p.add(fmt.Sprintf("directory %s (%04o %s:%s)", d.path, d.mode, d.user, d.group), func(ctx context.Context) error {
			return m.ensureDir(ctx, d)
		})
	}
}

// planEnvFile writes the template once; operators own the file afterwards.
func (m *Manager) planEnvFile(p *plan) {
	path := m.paths.EnvFile
	if fsutil.Exists(path) {
		return
	}
	p.add("env file "+path, func(ctx context.Context) error {
		if err := fsutil.WriteFileAtomic(path, config.EnvTemplate(m.cfg.App.Name), 0640); err != nil {
			return err
		}
		return m.sys.Chown(ctx, path, "root", m.cfg.App.Group)
	})
}

func (m *Manager) planUnits(ctx context.Context, p *plan, data units.Data) error {
	socket, err := units.Socket(data)
	if err != nil {
		return err
	}
	service, err := units.Service(data)
	if err != nil {
		return err
	}

	socketChanged := !fsutil.FileMatches(m.paths.SocketFile, socket, 0644)
	serviceChanged := !fsutil.FileMatches(m.paths.ServiceFile, service, 0644)
	if socketChanged {
		p.add("unit "+m.paths.SocketFile, writeStep(m.paths.SocketFile, socket, 0644))
	}
	if serviceChanged {
		p.add("unit "+m.paths.ServiceFile, writeStep(m.paths.ServiceFile, service, 0644))
	}
	if socketChanged || serviceChanged {
		p.add("daemon-reload", m.sys.DaemonReload)
	}

	rule := units.TmpfilesRule(data)
	ruleChanged := !fsutil.FileMatches(m.paths.TmpfilesRule, rule, 0644)
	if ruleChanged {
		p.add("tmpfiles rule "+m.paths.TmpfilesRule, writeStep(m.paths.TmpfilesRule, rule, 0644))
	}
	if ruleChanged || !fsutil.Exists(m.paths.RuntimeDir) {
		p.add("apply tmpfiles "+m.paths.RuntimeDir, func(ctx context.Context) error {
			return m.sys.ApplyTmpfiles(ctx, m.paths.TmpfilesRule)
		})
	}

	enabled, err := m.sys.UnitEnabled(ctx, m.paths.SocketUnit)
	if err != nil {
		return err
	}
	active, err := m.sys.UnitActive(ctx, m.paths.SocketUnit)
	if err != nil {
		return err
	}
	switch {
	case !enabled || !active:
		p.add("enable and start "+m.paths.SocketUnit, func(ctx context.Context) error {
			if err := m.sys.EnableUnits(ctx, m.paths.SocketUnit); err != nil {
				return err
			}
			return m.sys.StartUnit(ctx, m.paths.SocketUnit)
		})
	case socketChanged:
		p.add("restart "+m.paths.SocketUnit, func(ctx context.Context) error {
			return m.sys.RestartUnit(ctx, m.paths.SocketUnit)
		})
	}
	return nil
}

func writeStep(path string, data []byte, perm os.FileMode) func(context.Context) error {
	return func(context.Context) error {
		_, err := fsutil.EnsureFile(path, data, perm)
		return err
	}
}
