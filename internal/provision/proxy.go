package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blackwell-systems/shipctl/internal/fsutil"
	"github.com/blackwell-systems/shipctl/internal/nginxconf"
	"github.com/blackwell-systems/shipctl/internal/units"
)

const proxyUnit = "nginx.service"

// savedFile is a proxy file as it was before the run.
type savedFile struct {
	path    string
	data    []byte
	existed bool
	perm    os.FileMode
}

// proxyEdit collects the proxy file changes of one run so they can be
// undone when validation fails.
type proxyEdit struct {
	saved         []savedFile
	dropinChanged bool
}

func (e *proxyEdit) changed() bool {
	return len(e.saved) > 0
}

func (e *proxyEdit) save(path string) error {
	s := savedFile{path: path, perm: 0644}
	data, ok, err := fsutil.ReadFileIfExists(path)
	if err != nil {
		return err
	}
	if ok {
		s.data, s.existed = data, true
		if fi, err := os.Stat(path); err == nil {
			s.perm = fi.Mode().Perm()
		}
	}
	e.saved = append(e.saved, s)
	return nil
}

// write plans path to hold data unless it already does.
func (e *proxyEdit) write(p *plan, path string, data []byte) (bool, error) {
	if fsutil.FileMatches(path, data, 0644) {
		return false, nil
	}
	if err := e.save(path); err != nil {
		return false, err
	}
	p.add("proxy file "+path, writeStep(path, data, 0644))
	return true, nil
}

// remove plans the removal of path when it exists.
func (e *proxyEdit) remove(p *plan, path string) (bool, error) {
	if !fsutil.Exists(path) {
		return false, nil
	}
	if err := e.save(path); err != nil {
		return false, err
	}
	p.add("remove "+path, removeStep(path))
	return true, nil
}

// restore puts every saved file back, newest change first.
func (e *proxyEdit) restore() error {
	var errs []error
	for i := len(e.saved) - 1; i >= 0; i-- {
		s := e.saved[i]
		if s.existed {
			errs = append(errs, fsutil.WriteFileAtomic(s.path, s.data, s.perm))
		} else if _, err := fsutil.RemoveIfExists(s.path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// detectIncludeDir returns the first directory the main config already
// includes from its http block. The managed directory counts too, for hosts
// whose operators added the include by hand.
func (m *Manager) detectIncludeDir(mainConf string) (string, bool) {
	px := m.cfg.Proxy
	for _, dir := range append(append([]string(nil), px.CandidateDirs...), px.ManagedDir) {
		if nginxconf.IncludesDir(mainConf, "http", dir, px.Prefix) {
			return dir, true
		}
	}
	return "", false
}

func (m *Manager) managedConf(mainConf string, exists bool, data units.Data) ([]byte, error) {
	if exists {
		out, _, err := nginxconf.InsertInclude(mainConf, "http", m.paths.ManagedGlob)
		switch {
		case err == nil:
			header := fmt.Sprintf("# Managed by shipctl from %s. Changes are overwritten on provision.\n", m.cfg.Proxy.MainConf)
			return []byte(header + out), nil
		case !errors.Is(err, nginxconf.ErrNoScope):
			return nil, fmt.Errorf("edit %s: %w", m.cfg.Proxy.MainConf, err)
		}
	}
	return units.NginxMinimalConf(data)
}

// snippetPaths lists every place a snippet of ours may live, current and
// legacy names alike.
func (m *Manager) snippetPaths() []string {
	px := m.cfg.Proxy
	names := append([]string{m.paths.SnippetName}, px.LegacySnippets...)
	dirs := append(append([]string(nil), px.CandidateDirs...), px.ManagedDir)

	var out []string
	seen := make(map[string]bool)
	for _, dir := range dirs {
		for _, name := range names {
			p := filepath.Join(dir, name)
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (m *Manager) planProxy(ctx context.Context, p *plan, data units.Data) error {
	px := m.cfg.Proxy

	src, exists, err := fsutil.ReadFileIfExists(px.MainConf)
	if err != nil {
		return err
	}
	mainConf := string(src)
	if exists {
		if _, err := nginxconf.Parse(mainConf); err != nil {
			return fmt.Errorf("parse %s: %w", px.MainConf, err)
		}
		if !fsutil.Exists(m.paths.ProxyBackup) {
			p.add("back up "+px.MainConf, writeStep(m.paths.ProxyBackup, src, 0644))
		}
	}

	edit := &proxyEdit{}
	dir, direct := m.detectIncludeDir(mainConf)
	effective := px.MainConf

	if direct {
		// A managed config from an earlier run is no longer needed.
		if _, err := edit.remove(p, px.ManagedConf); err != nil {
			return err
		}
		removed, err := edit.remove(p, m.paths.DropinFile)
		if err != nil {
			return err
		}
		edit.dropinChanged = removed
	} else {
		dir = px.ManagedDir
		effective = px.ManagedConf

		managed, err := m.managedConf(mainConf, exists, data)
		if err != nil {
			return err
		}
		if _, err := edit.write(p, px.ManagedConf, managed); err != nil {
			return err
		}

		dropin, err := units.NginxDropin(data)
		if err != nil {
			return err
		}
		changed, err := edit.write(p, m.paths.DropinFile, dropin)
		if err != nil {
			return err
		}
		edit.dropinChanged = changed
	}

	snippet, err := units.NginxSnippet(data)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, m.paths.SnippetName)
	if _, err := edit.write(p, target, snippet); err != nil {
		return err
	}
	for _, path := range m.snippetPaths() {
		if path == target {
			continue
		}
		if _, err := edit.remove(p, path); err != nil {
			return err
		}
	}

	if edit.changed() {
		p.add("validate "+effective, func(ctx context.Context) error {
			out, err := m.sys.ValidateProxyConfig(ctx, px.Bin, effective)
			if err == nil {
				return nil
			}
			if rerr := edit.restore(); rerr != nil {
				m.log.Error("restore proxy files", "error", rerr)
			}
			return fmt.Errorf("%w: %v\n%s", ErrConfigValidation, err, out)
		})
	}

	return m.planProxyReload(ctx, p, edit)
}

// planProxyReload reloads nginx after a change, restarts it when its drop-in
// changed and starts it when it is down.
func (m *Manager) planProxyReload(ctx context.Context, p *plan, edit *proxyEdit) error {
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
			return m.sys.RestartUnit(ctx, proxyUnit)
		})
	case edit.changed() && active:
		p.add("reload "+proxyUnit, func(ctx context.Context) error {
			return m.sys.ReloadUnit(ctx, proxyUnit)
		})
	case !active:
		p.add("start "+proxyUnit, func(ctx context.Context) error {
			return m.sys.StartUnit(ctx, proxyUnit)
		})
	}
	return nil
}
