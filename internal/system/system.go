// Package system is the facade over the privileged host tools shipctl
// drives: account management, systemd, tmpfiles, the proxy binary and the
// dependency installer.
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPrecondition is returned when the host cannot run an operation at all,
// before anything is changed.
var ErrPrecondition = errors.New("precondition failed")

// DepsRequest describes one dependency installation.
type DepsRequest struct {
	Command []string // installer argv
	Dir     string   // working directory (the release)
	EnvDir  string   // environment to materialize
}

// System is everything shipctl needs from the host.
type System interface {
	// Accounts
	UserExists(name string) (bool, error)
	GroupExists(name string) (bool, error)
	CreateGroup(ctx context.Context, name string) error
	CreateUser(ctx context.Context, name, group, home string) error
	DeleteUser(ctx context.Context, name string) error
	DeleteGroup(ctx context.Context, name string) error
	LookupIDs(user, group string) (uid, gid int, err error)
	Chown(ctx context.Context, path, user, group string) error

	// Units
	DaemonReload(ctx context.Context) error
	EnableUnits(ctx context.Context, units ...string) error
	DisableUnits(ctx context.Context, units ...string) error
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
	RestartUnit(ctx context.Context, unit string) error
	ReloadUnit(ctx context.Context, unit string) error
	ResetFailed(ctx context.Context, unit string) error
	UnitActive(ctx context.Context, unit string) (bool, error)
	UnitEnabled(ctx context.Context, unit string) (bool, error)
	UnitStatus(ctx context.Context, unit string) (string, error)
	JournalTail(ctx context.Context, unit string, lines int) (string, error)

	// Host
	IsRoot() bool
	LookPath(name string) (string, error)
	ApplyTmpfiles(ctx context.Context, rulePath string) error
	ValidateProxyConfig(ctx context.Context, bin, conf string) (string, error)
	InstallDependencies(ctx context.Context, req DepsRequest) error
}

// CheckPreconditions verifies root privileges and that every tool is on
// PATH. All problems are reported together.
func CheckPreconditions(sys System, tools ...string) error {
	var problems []string
	if !sys.IsRoot() {
		problems = append(problems, "must run as root")
	}
	for _, tool := range tools {
		if _, err := sys.LookPath(tool); err != nil {
			problems = append(problems, fmt.Sprintf("required tool %q not found on PATH", tool))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrPrecondition, strings.Join(problems, "; "))
	}
	return nil
}
