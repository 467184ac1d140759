package config

import (
	"path/filepath"
)

// Paths holds every host location derived from a Config.
type Paths struct {
	BaseDir     string
	ReleasesDir string
	EnvsDir     string
	CurrentLink string
	EnvLink     string

	EnvDir  string
	EnvFile string

	RuntimeDir string
	SocketPath string

	SocketUnit   string
	ServiceUnit  string
	SocketFile   string
	ServiceFile  string
	TmpfilesRule string

	StateDir    string
	ProxyBackup string
	SnippetName string
	DropinFile  string
	ManagedGlob string
	HistoryDB   string
}

func (c *Config) ResolvePaths() Paths {
	name := c.App.Name
	base := filepath.Clean(c.App.BaseDir)

	return Paths{
		BaseDir:     base,
		ReleasesDir: filepath.Join(base, "releases"),
		EnvsDir:     filepath.Join(base, "envs"),
		CurrentLink: filepath.Join(base, "current"),
		EnvLink:     filepath.Join(base, "current-env"),

		EnvDir:  c.App.EnvDir,
		EnvFile: filepath.Join(c.App.EnvDir, name+".env"),

		RuntimeDir: c.Service.RuntimeDir,
		SocketPath: filepath.Join(c.Service.RuntimeDir, c.Service.SocketName),

		SocketUnit:   name + ".socket",
		ServiceUnit:  name + ".service",
		SocketFile:   filepath.Join(c.Service.UnitDir, name+".socket"),
		ServiceFile:  filepath.Join(c.Service.UnitDir, name+".service"),
		TmpfilesRule: filepath.Join(c.Service.TmpfilesDir, name+".conf"),

		StateDir:    c.App.StateDir,
		ProxyBackup: filepath.Join(c.App.StateDir, "nginx.conf.orig"),
		SnippetName: name + ".conf",
		DropinFile:  filepath.Join(c.Proxy.DropinDir, name+"-managed.conf"),
		ManagedGlob: filepath.Join(c.Proxy.ManagedDir, "*.conf"),
		HistoryDB:   c.History.DBPath,
	}
}
