// Package systemtest provides an in-memory system.System for tests.
package systemtest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/blackwell-systems/shipctl/internal/system"
)

// Unit is the fake state of one systemd unit.
type Unit struct {
	Active  bool
	Enabled bool
	Failed  bool
}

// Fake records every mutating call and keeps just enough state for
// idempotence checks. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	Root    bool
	Missing map[string]bool // tools LookPath will not find

	Users  map[string]string // user -> primary group
	Groups map[string]bool
	Units  map[string]*Unit
	Chowns map[string]string // path -> "user:group"

	DaemonReloads int
	Calls         []string

	// Errors returned by the method of the same name, keyed by method name
	// or "Method unit" for unit methods.
	Errors map[string]error

	// Hooks. A nil hook means success.
	OnStart    func(unit string) error
	OnValidate func(conf string) (string, error)
	OnInstall  func(req system.DepsRequest) error
}

var _ system.System = (*Fake)(nil)

// New returns a Fake running as root with every tool available. Only the
// root account exists.
func New() *Fake {
	return &Fake{
		Root:    true,
		Missing: make(map[string]bool),
		Users:   map[string]string{"root": "root"},
		Groups:  map[string]bool{"root": true},
		Units:   make(map[string]*Unit),
		Chowns:  make(map[string]string),
		Errors:  make(map[string]error),
	}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) err(keys ...string) error {
	for _, k := range keys {
		if err := f.Errors[k]; err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) unit(name string) *Unit {
	u, ok := f.Units[name]
	if !ok {
		u = &Unit{}
		f.Units[name] = u
	}
	return u
}

// CallsWith returns recorded calls that start with prefix.
func (f *Fake) CallsWith(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
	f.DaemonReloads = 0
}

// UnitState returns a copy of the unit's state.
func (f *Fake) UnitState(name string) Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.Units[name]; ok {
		return *u
	}
	return Unit{}
}

// Accounts

func (f *Fake) UserExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Users[name]
	return ok, nil
}

func (f *Fake) GroupExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Groups[name], nil
}

func (f *Fake) CreateGroup(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateGroup " + name)
	if err := f.err("CreateGroup"); err != nil {
		return err
	}
	if f.Groups[name] {
		return fmt.Errorf("groupadd: group '%s' already exists", name)
	}
	f.Groups[name] = true
	return nil
}

func (f *Fake) CreateUser(_ context.Context, name, group, home string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateUser " + name)
	if err := f.err("CreateUser"); err != nil {
		return err
	}
	if _, ok := f.Users[name]; ok {
		return fmt.Errorf("useradd: user '%s' already exists", name)
	}
	if !f.Groups[group] {
		return fmt.Errorf("useradd: group '%s' does not exist", group)
	}
	f.Users[name] = group
	return nil
}

func (f *Fake) DeleteUser(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteUser " + name)
	if err := f.err("DeleteUser"); err != nil {
		return err
	}
	delete(f.Users, name)
	return nil
}

func (f *Fake) DeleteGroup(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteGroup " + name)
	if err := f.err("DeleteGroup"); err != nil {
		return err
	}
	for u, g := range f.Users {
		if g == name {
			return fmt.Errorf("groupdel: cannot remove the primary group of user '%s'", u)
		}
	}
	delete(f.Groups, name)
	return nil
}

func (f *Fake) LookupIDs(user, group string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Users[user]; !ok {
		return 0, 0, fmt.Errorf("unknown user %s", user)
	}
	if !f.Groups[group] {
		return 0, 0, fmt.Errorf("unknown group %s", group)
	}
	return os.Getuid(), os.Getgid(), nil
}

// Chown only records the request; files keep the test process's owner.
func (f *Fake) Chown(_ context.Context, path, user, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Chown " + path)
	if err := f.err("Chown"); err != nil {
		return err
	}
	if _, err := os.Lstat(path); err != nil {
		return err
	}
	f.Chowns[path] = user + ":" + group
	return nil
}

// Units

func (f *Fake) DaemonReload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DaemonReload")
	f.DaemonReloads++
	return f.err("DaemonReload")
}

func (f *Fake) EnableUnits(_ context.Context, units ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range units {
		f.record("EnableUnits " + u)
		if err := f.err("EnableUnits", "EnableUnits "+u); err != nil {
			return err
		}
		f.unit(u).Enabled = true
	}
	return nil
}

func (f *Fake) DisableUnits(_ context.Context, units ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range units {
		f.record("DisableUnits " + u)
		if err := f.err("DisableUnits", "DisableUnits "+u); err != nil {
			return err
		}
		if st, ok := f.Units[u]; ok {
			st.Enabled = false
		}
	}
	return nil
}

func (f *Fake) StartUnit(_ context.Context, unit string) error {
	f.mu.Lock()
	f.record("StartUnit " + unit)
	if err := f.err("StartUnit", "StartUnit "+unit); err != nil {
		f.mu.Unlock()
		return err
	}
	u := f.unit(unit)
	if u.Failed {
		f.mu.Unlock()
		return fmt.Errorf("start %s: unit is in failed state", unit)
	}
	hook := f.OnStart
	f.mu.Unlock()

	if hook != nil {
		if err := hook(unit); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u.Active = true
	return nil
}

func (f *Fake) StopUnit(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopUnit " + unit)
	if err := f.err("StopUnit", "StopUnit "+unit); err != nil {
		return err
	}
	if u, ok := f.Units[unit]; ok {
		u.Active = false
	}
	return nil
}

func (f *Fake) RestartUnit(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RestartUnit " + unit)
	if err := f.err("RestartUnit", "RestartUnit "+unit); err != nil {
		return err
	}
	f.unit(unit).Active = true
	return nil
}

func (f *Fake) ReloadUnit(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReloadUnit " + unit)
	if err := f.err("ReloadUnit", "ReloadUnit "+unit); err != nil {
		return err
	}
	if u, ok := f.Units[unit]; !ok || !u.Active {
		return fmt.Errorf("reload %s: unit not active", unit)
	}
	return nil
}

func (f *Fake) ResetFailed(_ context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ResetFailed " + unit)
	if u, ok := f.Units[unit]; ok {
		u.Failed = false
	}
	return f.err("ResetFailed")
}

func (f *Fake) UnitActive(_ context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Units[unit]
	return ok && u.Active, f.err("UnitActive")
}

func (f *Fake) UnitEnabled(_ context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Units[unit]
	return ok && u.Enabled, f.err("UnitEnabled")
}

func (f *Fake) UnitStatus(_ context.Context, unit string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.Units[unit]
	state := "inactive (dead)"
	switch {
	case u == nil:
		state = "not-found"
	case u.Failed:
		state = "failed"
	case u.Active:
		state = "active (running)"
	}
	return fmt.Sprintf("● %s\n     Active: %s", unit, state), nil
}

func (f *Fake) JournalTail(_ context.Context, unit string, lines int) (string, error) {
	return fmt.Sprintf("-- last %d lines of %s --", lines, unit), nil
}

// Host

func (f *Fake) IsRoot() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Root
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Missing[name] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return "/usr/bin/" + name, nil
}

// ApplyTmpfiles creates the directories named by `d` lines of the rule file.
func (f *Fake) ApplyTmpfiles(_ context.Context, rulePath string) error {
	f.mu.Lock()
	f.record("ApplyTmpfiles " + rulePath)
	err := f.err("ApplyTmpfiles")
	f.mu.Unlock()
	if err != nil {
		return err
	}

	file, err := os.Open(rulePath)
	if err != nil {
		return err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "d" {
			if err := os.MkdirAll(fields[1], 0755); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func (f *Fake) ValidateProxyConfig(_ context.Context, bin, conf string) (string, error) {
	f.mu.Lock()
	f.record("ValidateProxyConfig " + conf)
	hook := f.OnValidate
	err := f.err("ValidateProxyConfig")
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if hook != nil {
		return hook(conf)
	}
	return bin + ": the configuration file " + conf + " syntax is ok", nil
}

func (f *Fake) InstallDependencies(_ context.Context, req system.DepsRequest) error {
	f.mu.Lock()
	f.record("InstallDependencies " + req.Dir)
	hook := f.OnInstall
	err := f.err("InstallDependencies")
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(req)
	}
	return os.MkdirAll(req.EnvDir, 0755)
}

// ActiveUnits returns the names of active units, sorted.
func (f *Fake) ActiveUnits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, u := range f.Units {
		if u.Active {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
