// Package service drives the socket-activated application units: stopping
// them before a switch, starting the listener, and probing health over the
// Unix socket.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blackwell-systems/shipctl/internal/config"
	"github.com/blackwell-systems/shipctl/internal/system"
)

// Controller is a thin adapter over the service manager for one app.
type Controller struct {
	sys          system.System
	log          *slog.Logger
	paths        config.Paths
	healthPath   string
	journalLines int

	// SocketWait bounds how long StartListener waits for the socket file.
	SocketWait time.Duration
}

// New returns a Controller for the app described by cfg.
func New(sys system.System, cfg *config.Config, log *slog.Logger) *Controller {
	return &Controller{
		sys:          sys,
		log:          log,
		paths:        cfg.ResolvePaths(),
		healthPath:   cfg.Service.HealthPath,
		journalLines: cfg.Service.JournalTail,
		SocketWait:   10 * time.Second,
	}
}

// Quiesce stops the listener and the worker and clears their failed state so
// the next start is not refused. Units that are not loaded count as stopped.
func (c *Controller) Quiesce(ctx context.Context) error {
	for _, u := range []string{c.paths.SocketUnit, c.paths.ServiceUnit} {
		if err := c.sys.StopUnit(ctx, u); err != nil {
			return fmt.Errorf("quiesce: %w", err)
		}
	}
	for _, u := range []string{c.paths.ServiceUnit, c.paths.SocketUnit} {
		if err := c.sys.ResetFailed(ctx, u); err != nil {
			return fmt.Errorf("quiesce: %w", err)
		}
	}
	c.log.Debug("quiesced", "socket", c.paths.SocketUnit, "service", c.paths.ServiceUnit)
	return nil
}

// EnsureRuntimeDir re-applies the tmpfiles rule when the socket directory is
// gone, typically after a reboot cleared /run.
func (c *Controller) EnsureRuntimeDir(ctx context.Context) error {
	if fi, err := os.Stat(c.paths.RuntimeDir); err == nil && fi.IsDir() {
		return nil
	}
	c.log.Info("runtime directory missing, applying tmpfiles rule", "dir", c.paths.RuntimeDir)
	if err := c.sys.ApplyTmpfiles(ctx, c.paths.TmpfilesRule); err != nil {
		return fmt.Errorf("apply %s: %w", c.paths.TmpfilesRule, err)
	}
	if fi, err := os.Stat(c.paths.RuntimeDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("runtime directory %s still missing after tmpfiles", c.paths.RuntimeDir)
	}
	return nil
}

// StartListener starts only the socket unit. The worker is started by the
// service manager on the first connection.
func (c *Controller) StartListener(ctx context.Context) error {
	if err := c.sys.StartUnit(ctx, c.paths.SocketUnit); err != nil {
		return err
	}
	return c.waitForSocket(ctx)
}

// waitForSocket blocks until the socket file exists or SocketWait elapses.
func (c *Controller) waitForSocket(ctx context.Context) error {
	if socketExists(c.paths.SocketPath) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", c.paths.RuntimeDir, err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.paths.RuntimeDir); err != nil {
		return fmt.Errorf("watch %s: %w", c.paths.RuntimeDir, err)
	}

	// The socket may have appeared between the first check and Add.
	if socketExists(c.paths.SocketPath) {
		return nil
	}

	timer := time.NewTimer(c.SocketWait)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("socket watcher closed")
			}
			if event.Name == c.paths.SocketPath && event.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if ok {
				c.log.Warn("socket watcher error", "error", err)
			}
		case <-timer.C:
			if socketExists(c.paths.SocketPath) {
				return nil
			}
			return fmt.Errorf("socket %s did not appear within %s", c.paths.SocketPath, c.SocketWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func socketExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}

// Probe sends GET <health path> over the Unix socket and reports whether the
// answer was 2xx. Connection failures are reported as false.
func (c *Controller) Probe(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", c.paths.SocketPath)
			},
			DisableKeepAlives: true,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost"+c.healthPath, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		c.log.Debug("probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	c.log.Debug("probe", "status", resp.StatusCode)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// WaitHealthy probes up to attempts times, interval apart. Total wait is
// bounded by attempts*(interval+timeout).
func (c *Controller) WaitHealthy(ctx context.Context, attempts int, interval, timeout time.Duration) bool {
	for i := 1; i <= attempts; i++ {
		if c.Probe(ctx, timeout) {
			c.log.Debug("healthy", "attempt", i)
			return true
		}
		if i == attempts {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// Diagnostics collects unit status, the recent journal and the runtime
// directory listing for a failed health check.
func (c *Controller) Diagnostics(ctx context.Context) string {
	var b strings.Builder

	for _, u := range []string{c.paths.SocketUnit, c.paths.ServiceUnit} {
		fmt.Fprintf(&b, "== systemctl status %s ==\n", u)
		status, err := c.sys.UnitStatus(ctx, u)
		if err != nil {
			fmt.Fprintf(&b, "(unavailable: %v)\n", err)
		} else {
			b.WriteString(strings.TrimRight(status, "\n") + "\n")
		}
	}

	fmt.Fprintf(&b, "== journalctl -u %s (last %d) ==\n", c.paths.ServiceUnit, c.journalLines)
	logs, err := c.sys.JournalTail(ctx, c.paths.ServiceUnit, c.journalLines)
	if err != nil {
		fmt.Fprintf(&b, "(unavailable: %v)\n", err)
	} else {
		b.WriteString(strings.TrimRight(logs, "\n") + "\n")
	}

	fmt.Fprintf(&b, "== ls %s ==\n", c.paths.RuntimeDir)
	b.WriteString(listDir(c.paths.RuntimeDir))

	return b.String()
}

func listDir(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("(unavailable: %v)\n", err)
	}
	if len(entries) == 0 {
		return "(empty)\n"
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s %8d %s\n", info.Mode(), info.Size(), e.Name())
	}
	return b.String()
}
