package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/shipctl/internal/system"
)

func TestTeardown_CleanHost(t *testing.T) {
	h := newHarness(t)

	res, err := h.mgr.Teardown(context.Background(), TeardownOptions{WithProxy: true, Purge: true, RemoveAccount: true})
	require.NoError(t, err)
	assert.False(t, res.Changed(), "unexpected steps: %v", res.Planned)
	assert.Empty(t, h.fake.Calls)
}

func TestTeardown_Full(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeMainConf(t, operatorConf)

	_, err := h.mgr.Provision(ctx, Options{WithProxy: true})
	require.NoError(t, err)
	release := filepath.Join(h.paths.ReleasesDir, "20240101T000000.000000Z")
	require.NoError(t, os.MkdirAll(release, 0755))
	h.fake.ResetCalls()

	opts := TeardownOptions{WithProxy: true, Purge: true, RemoveAccount: true}
	res, err := h.mgr.Teardown(ctx, opts)
	require.NoError(t, err)
	assert.True(t, res.Changed())

	for _, u := range []string{h.paths.SocketUnit, h.paths.ServiceUnit} {
		st := h.fake.UnitState(u)
		assert.False(t, st.Active, u)
		assert.False(t, st.Enabled, u)
	}
	for _, path := range []string{
		h.paths.SocketFile, h.paths.ServiceFile, h.paths.TmpfilesRule,
		h.cfg.Proxy.ManagedConf, h.paths.DropinFile,
	} {
		assert.NoFileExists(t, path)
	}
	for _, dir := range []string{h.paths.RuntimeDir, h.cfg.Proxy.ManagedDir, h.paths.BaseDir, h.paths.EnvDir} {
		assert.NoDirExists(t, dir)
	}
	assert.Equal(t, operatorConf, readFile(t, h.cfg.Proxy.MainConf))

	_, hasUser := h.fake.Users["web"]
	assert.False(t, hasUser)
	assert.False(t, h.fake.Groups["web"])

	assert.Equal(t, []string{"RestartUnit nginx.service"}, h.fake.CallsWith("RestartUnit"))
	assert.Equal(t, []string{"ValidateProxyConfig " + h.cfg.Proxy.MainConf}, h.fake.CallsWith("ValidateProxyConfig"))

	h.fake.ResetCalls()
	res, err = h.mgr.Teardown(ctx, opts)
	require.NoError(t, err)
	assert.False(t, res.Changed(), "unexpected steps: %v", res.Planned)
	assert.Empty(t, h.fake.Calls)

	runs, err := h.history.ListHostRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "teardown", runs[0].Action)
	assert.Zero(t, runs[0].Changes)
	assert.Equal(t, true, runs[1].Options["purge"])
}

func TestTeardown_KeepsDataWithoutPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Provision(ctx, Options{})
	require.NoError(t, err)

	_, err = h.mgr.Teardown(ctx, TeardownOptions{})
	require.NoError(t, err)

	assert.NoFileExists(t, h.paths.SocketFile)
	assert.DirExists(t, h.paths.ReleasesDir)
	assert.FileExists(t, h.paths.EnvFile)
	assert.Equal(t, "web", h.fake.Users["web"])
}

func TestTeardown_RestoreProxyConf(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeMainConf(t, operatorConf)

	_, err := h.mgr.Provision(ctx, Options{WithProxy: true})
	require.NoError(t, err)

	edited := strings.Replace(operatorConf, "sendfile on;", "sendfile off;", 1)
	h.writeMainConf(t, edited)

	_, err = h.mgr.Teardown(ctx, TeardownOptions{WithProxy: true, RestoreProxyConf: true})
	require.NoError(t, err)
	assert.Equal(t, operatorConf, readFile(t, h.cfg.Proxy.MainConf))
}

func TestTeardown_RemovesHandAddedInclude(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	main := strings.Replace(operatorConf, "include mime.types;", "include mime.types;\n\tinclude "+h.paths.ManagedGlob+";", 1)
	h.writeMainConf(t, main)

	// The operator already includes the managed directory, so it is used
	// directly and no managed config is written.
	_, err := h.mgr.Provision(ctx, Options{WithProxy: true})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(h.cfg.Proxy.ManagedDir, "web.conf"))
	assert.NoFileExists(t, h.cfg.Proxy.ManagedConf)

	h.fake.ResetCalls()
	_, err = h.mgr.Teardown(ctx, TeardownOptions{WithProxy: true})
	require.NoError(t, err)

	assert.Equal(t, operatorConf, readFile(t, h.cfg.Proxy.MainConf))
	assert.NoDirExists(t, h.cfg.Proxy.ManagedDir)
	assert.Equal(t, []string{"ReloadUnit nginx.service"}, h.fake.CallsWith("ReloadUnit"))
	assert.Empty(t, h.fake.CallsWith("RestartUnit"))
}

func TestTeardown_SkipsAbsentProxy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeMainConf(t, operatorConf)

	_, err := h.mgr.Provision(ctx, Options{WithProxy: true})
	require.NoError(t, err)

	h.fake.Missing["nginx"] = true
	h.fake.ResetCalls()
	_, err = h.mgr.Teardown(ctx, TeardownOptions{WithProxy: true})
	require.NoError(t, err)
	assert.Empty(t, h.fake.CallsWith("ValidateProxyConfig"))
	assert.NoFileExists(t, h.cfg.Proxy.ManagedConf)
}

func TestTeardown_DryRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Provision(ctx, Options{})
	require.NoError(t, err)
	h.fake.ResetCalls()

	res, err := h.mgr.Teardown(ctx, TeardownOptions{Purge: true, DryRun: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Planned)
	assert.Empty(t, h.fake.Calls)
	assert.FileExists(t, h.paths.SocketFile)
	assert.DirExists(t, h.paths.BaseDir)
}

func TestTeardown_AccountToolsRequired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Provision(ctx, Options{})
	require.NoError(t, err)
	h.fake.ResetCalls()
	h.fake.Missing["userdel"] = true
	h.fake.Missing["groupdel"] = true

	_, err = h.mgr.Teardown(ctx, TeardownOptions{Purge: true, RemoveAccount: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, system.ErrPrecondition), "got %v", err)
	assert.Contains(t, err.Error(), "userdel")
	assert.Contains(t, err.Error(), "groupdel")

	assert.Empty(t, h.fake.Calls, "nothing is stopped or removed")
	assert.True(t, h.fake.UnitState(h.paths.SocketUnit).Active)
	assert.FileExists(t, h.paths.SocketFile)
	assert.DirExists(t, h.paths.BaseDir)

	res, err := h.mgr.Teardown(ctx, TeardownOptions{Purge: true})
	require.NoError(t, err, "account tools are only needed with RemoveAccount")
	assert.True(t, res.Changed())
	assert.NoDirExists(t, h.paths.BaseDir)
}
