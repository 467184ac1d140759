package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"github.com/blackwell-systems/shipctl/internal/execx"
)

// BusAPI is the part of the systemd D-Bus connection Host uses.
type BusAPI interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ResetFailedUnitContext(ctx context.Context, name string) error
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []sdbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]sdbus.DisableUnitFileChange, error)
	GetUnitPropertyContext(ctx context.Context, unit string, propertyName string) (*sdbus.Property, error)
	Close()
}

// BusFactory opens a connection to systemd.
type BusFactory func(ctx context.Context) (BusAPI, error)

// NewSystemBus connects to the system instance of systemd.
func NewSystemBus(ctx context.Context) (BusAPI, error) {
	conn, err := sdbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Host is the production System. Units are driven over D-Bus, everything
// else through the host's command line tools.
type Host struct {
	log       *slog.Logger
	newBus    BusFactory
	jobWait   time.Duration
	depsLimit time.Duration

	mu  sync.Mutex
	bus BusAPI
}

var _ System = (*Host)(nil)

// NewHost returns a Host that connects to systemd lazily.
func NewHost(log *slog.Logger, newBus BusFactory) *Host {
	if newBus == nil {
		newBus = NewSystemBus
	}
	return &Host{
		log:       log,
		newBus:    newBus,
		jobWait:   90 * time.Second,
		depsLimit: 15 * time.Minute,
	}
}

// Close releases the D-Bus connection.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bus != nil {
		h.bus.Close()
		h.bus = nil
	}
}

func (h *Host) conn(ctx context.Context) (BusAPI, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bus != nil {
		return h.bus, nil
	}
	bus, err := h.newBus(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	h.bus = bus
	return bus, nil
}

// Accounts

func (h *Host) UserExists(name string) (bool, error) {
	_, err := user.Lookup(name)
	var unknown user.UnknownUserError
	if errors.As(err, &unknown) {
		return false, nil
	}
	return err == nil, err
}

func (h *Host) GroupExists(name string) (bool, error) {
	_, err := user.LookupGroup(name)
	var unknown user.UnknownGroupError
	if errors.As(err, &unknown) {
		return false, nil
	}
	return err == nil, err
}

func (h *Host) CreateGroup(ctx context.Context, name string) error {
	h.log.Debug("groupadd", "group", name)
	_, err := execx.Run(ctx, 30*time.Second, "groupadd", "--system", name)
	return err
}

func (h *Host) CreateUser(ctx context.Context, name, group, home string) error {
	h.log.Debug("useradd", "user", name, "group", group, "home", home)
	_, err := execx.Run(ctx, 30*time.Second, "useradd",
		"--system",
		"--gid", group,
		"--home-dir", home,
		"--no-create-home",
		"--shell", "/usr/sbin/nologin",
		name)
	return err
}

// userdel and groupdel exit 6 when the account does not exist.
const exitNoSuchAccount = 6

func (h *Host) DeleteUser(ctx context.Context, name string) error {
	res, err := execx.Run(ctx, 30*time.Second, "userdel", name)
	if err != nil && res.ExitCode == exitNoSuchAccount {
		return nil
	}
	return err
}

func (h *Host) DeleteGroup(ctx context.Context, name string) error {
	res, err := execx.Run(ctx, 30*time.Second, "groupdel", name)
	if err != nil && res.ExitCode == exitNoSuchAccount {
		return nil
	}
	return err
}

func (h *Host) LookupIDs(userName, groupName string) (int, int, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup user %s: %w", userName, err)
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup group %s: %w", groupName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}
	return uid, gid, nil
}

// Chown changes ownership of path and everything below it. Symlinks are
// changed themselves, not followed.
func (h *Host) Chown(ctx context.Context, path, userName, groupName string) error {
	uid, gid, err := h.LookupIDs(userName, groupName)
	if err != nil {
		return err
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Lchown(p, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", p, err)
		}
		return nil
	})
}

// Units

func (h *Host) DaemonReload(ctx context.Context) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	if err := bus.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

func (h *Host) EnableUnits(ctx context.Context, units ...string) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	if _, _, err := bus.EnableUnitFilesContext(ctx, units, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", strings.Join(units, " "), err)
	}
	return nil
}

func (h *Host) DisableUnits(ctx context.Context, units ...string) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	for _, u := range units {
		if _, err := bus.DisableUnitFilesContext(ctx, []string{u}, false); err != nil && !isNoSuchUnit(err) {
			return fmt.Errorf("disable %s: %w", u, err)
		}
	}
	return nil
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (h *Host) runJob(ctx context.Context, op, unit string, job jobFunc) error {
	ch := make(chan string, 1)
	if _, err := job(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("%s %s: %w", op, unit, err)
	}

	timer := time.NewTimer(h.jobWait)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s %s: job finished with result %q", op, unit, result)
		}
		h.log.Debug("unit job done", "op", op, "unit", unit)
		return nil
	case <-timer.C:
		return fmt.Errorf("%s %s: timed out waiting for job", op, unit)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) StartUnit(ctx context.Context, unit string) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	return h.runJob(ctx, "start", unit, bus.StartUnitContext)
}

// StopUnit treats a unit that is not loaded as already stopped.
func (h *Host) StopUnit(ctx context.Context, unit string) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	err = h.runJob(ctx, "stop", unit, bus.StopUnitContext)
	if isNoSuchUnit(err) {
		return nil
	}
	return err
}

func (h *Host) RestartUnit(ctx context.Context, unit string) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	return h.runJob(ctx, "restart", unit, bus.RestartUnitContext)
}

func (h *Host) ReloadUnit(ctx context.Context, unit string) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	return h.runJob(ctx, "reload", unit, bus.ReloadUnitContext)
}

func (h *Host) ResetFailed(ctx context.Context, unit string) error {
	bus, err := h.conn(ctx)
	if err != nil {
		return err
	}
	if err := bus.ResetFailedUnitContext(ctx, unit); err != nil && !isNoSuchUnit(err) {
		return fmt.Errorf("reset-failed %s: %w", unit, err)
	}
	return nil
}

func (h *Host) unitProperty(ctx context.Context, unit, prop string) (string, error) {
	bus, err := h.conn(ctx)
	if err != nil {
		return "", err
	}
	p, err := bus.GetUnitPropertyContext(ctx, unit, prop)
	if isNoSuchUnit(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s of %s: %w", prop, unit, err)
	}
	s, _ := p.Value.Value().(string)
	return s, nil
}

func (h *Host) UnitActive(ctx context.Context, unit string) (bool, error) {
	state, err := h.unitProperty(ctx, unit, "ActiveState")
	return state == "active", err
}

func (h *Host) UnitEnabled(ctx context.Context, unit string) (bool, error) {
	state, err := h.unitProperty(ctx, unit, "UnitFileState")
	return state == "enabled" || state == "enabled-runtime", err
}

// UnitStatus returns `systemctl status` output. systemctl exits non-zero for
// inactive units, so output is returned whenever there is some.
func (h *Host) UnitStatus(ctx context.Context, unit string) (string, error) {
	res, err := execx.Run(ctx, 10*time.Second, "systemctl", "status", "--no-pager", "--full", unit)
	if out := res.Output(); out != "" {
		return out, nil
	}
	return "", err
}

func (h *Host) JournalTail(ctx context.Context, unit string, lines int) (string, error) {
	res, err := execx.Run(ctx, 10*time.Second, "journalctl", "-u", unit, "-n", strconv.Itoa(lines), "--no-pager", "--output", "short-iso")
	if err != nil {
		return res.Output(), err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Host

func (h *Host) IsRoot() bool {
	return os.Geteuid() == 0
}

func (h *Host) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (h *Host) ApplyTmpfiles(ctx context.Context, rulePath string) error {
	_, err := execx.Run(ctx, 30*time.Second, "systemd-tmpfiles", "--create", rulePath)
	return err
}

// ValidateProxyConfig runs `<bin> -t -c <conf>` and returns its diagnostics.
func (h *Host) ValidateProxyConfig(ctx context.Context, bin, conf string) (string, error) {
	// nginx prints diagnostics on stderr even on success
	res, err := execx.Run(ctx, 10*time.Second, bin, "-t", "-c", conf)
	return res.Output(), err
}

// InstallDependencies runs the installer in the release directory, pointing
// it at the environment directory.
func (h *Host) InstallDependencies(ctx context.Context, req DepsRequest) error {
	if len(req.Command) == 0 {
		return errors.New("empty dependency command")
	}
	h.log.Debug("installing dependencies", "cmd", strings.Join(req.Command, " "), "dir", req.Dir, "env", req.EnvDir)
	_, err := execx.RunCmd(ctx, execx.Cmd{
		Name: req.Command[0],
		Args: req.Command[1:],
		Dir:  req.Dir,
		Env: []string{
			"UV_PROJECT_ENVIRONMENT=" + req.EnvDir,
			"VIRTUAL_ENV=" + req.EnvDir,
		},
		Timeout: h.depsLimit,
	})
	return err
}

// isNoSuchUnit reports whether err is systemd saying the unit is not loaded.
func isNoSuchUnit(err error) bool {
	if err == nil {
		return false
	}
	var dErr godbus.Error
	if errors.As(err, &dErr) && dErr.Name == "org.freedesktop.systemd1.NoSuchUnit" {
		return true
	}
	var pErr *godbus.Error
	if errors.As(err, &pErr) && pErr.Name == "org.freedesktop.systemd1.NoSuchUnit" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "not loaded") || strings.Contains(msg, "does not exist")
}
