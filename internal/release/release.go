// Package release manages timestamped release directories and the atomically
// flipped current pointers.
package release

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blackwell-systems/shipctl/internal/fsutil"
)

// IDLayout is the time layout of release ids. Ids sort lexically in
// chronological order.
const IDLayout = "20060102T150405.000000Z"

// ErrAllocation is returned when a release directory cannot be created.
var ErrAllocation = errors.New("cannot allocate release directory")

// ErrNotFound is returned for a release id with no directory.
var ErrNotFound = errors.New("release not found")

// ErrIncomplete is returned for a release whose dependency install never
// finished.
var ErrIncomplete = errors.New("release not fully installed")

// InstalledMarker is created in a release directory once its environment is
// complete.
const InstalledMarker = ".shipctl-installed"

// ID identifies a release.
type ID string

// Time returns the timestamp encoded in the id.
func (id ID) Time() (time.Time, error) {
	return time.Parse(IDLayout, string(id))
}

// ParseID validates s as a release id.
func ParseID(s string) (ID, error) {
	if _, err := time.Parse(IDLayout, s); err != nil {
		return "", fmt.Errorf("invalid release id %q", s)
	}
	return ID(s), nil
}

// NewID formats t as a release id.
func NewID(t time.Time) ID {
	return ID(t.UTC().Truncate(time.Microsecond).Format(IDLayout))
}

// Layout names the directories and links a Store manages.
type Layout struct {
	ReleasesDir string
	EnvsDir     string
	CurrentLink string
	EnvLink     string
}

// Store owns the release directories and the current pointers.
type Store struct {
	layout Layout
	now    func() time.Time
}

// New creates a Store over layout.
func New(layout Layout) *Store {
	return &Store{layout: layout, now: time.Now}
}

// Path returns the payload directory of id.
func (s *Store) Path(id ID) string {
	return filepath.Join(s.layout.ReleasesDir, string(id))
}

// EnvPath returns the dependency environment directory of id.
func (s *Store) EnvPath(id ID) string {
	return filepath.Join(s.layout.EnvsDir, string(id))
}

// Create allocates a new, empty release directory. The id is strictly greater
// than every existing id, even if the clock went backwards.
func (s *Store) Create() (ID, error) {
	if err := unix.Access(s.layout.ReleasesDir, unix.W_OK); err != nil {
		return "", fmt.Errorf("%w: %s is not writable: %v", ErrAllocation, s.layout.ReleasesDir, err)
	}

	ids, err := s.List()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	t := s.now().UTC().Truncate(time.Microsecond)
	if len(ids) > 0 {
		newest, err := ids[len(ids)-1].Time()
		if err == nil && !t.After(newest) {
			t = newest.Add(time.Microsecond)
		}
	}

	for attempt := 0; attempt < 100; attempt++ {
		id := NewID(t)
		err := os.Mkdir(s.Path(id), 0755)
		if err == nil {
			return id, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("%w: %v", ErrAllocation, err)
		}
		t = t.Add(time.Microsecond)
	}

	return "", fmt.Errorf("%w: no free release id after %s", ErrAllocation, t.Format(IDLayout))
}

// List returns release ids oldest first. Directory entries that are not
// release ids are ignored. A missing releases directory yields no releases.
func (s *Store) List() ([]ID, error) {
	entries, err := os.ReadDir(s.layout.ReleasesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.layout.ReleasesDir, err)
	}

	var ids []ID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := ParseID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Exists reports whether the release directory of id exists.
func (s *Store) Exists(id ID) bool {
	fi, err := os.Stat(s.Path(id))
	return err == nil && fi.IsDir()
}

// EnvExists reports whether the environment directory of id exists.
func (s *Store) EnvExists(id ID) bool {
	fi, err := os.Stat(s.EnvPath(id))
	return err == nil && fi.IsDir()
}

// MarkInstalled records that the release and its environment are complete.
func (s *Store) MarkInstalled(id ID) error {
	if !s.EnvExists(id) {
		return fmt.Errorf("%w: environment for %s", ErrNotFound, id)
	}
	path := filepath.Join(s.Path(id), InstalledMarker)
	if err := fsutil.WriteFileAtomic(path, []byte(id+"\n"), 0644); err != nil {
		return fmt.Errorf("mark %s installed: %w", id, err)
	}
	return nil
}

// Installed reports whether id was marked installed and its environment
// still exists.
func (s *Store) Installed(id ID) bool {
	fi, err := os.Stat(filepath.Join(s.Path(id), InstalledMarker))
	return err == nil && fi.Mode().IsRegular() && s.EnvExists(id)
}

// SetCurrent atomically points the current link at the release.
func (s *Store) SetCurrent(id ID) error {
	if !s.Exists(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fsutil.SymlinkAtomic(s.Path(id), s.layout.CurrentLink); err != nil {
		return fmt.Errorf("switch current to %s: %w", id, err)
	}
	return nil
}

// SetCurrentEnv atomically points the environment link at the release's
// environment.
func (s *Store) SetCurrentEnv(id ID) error {
	if !s.EnvExists(id) {
		return fmt.Errorf("%w: environment for %s", ErrNotFound, id)
	}
	if err := fsutil.SymlinkAtomic(s.EnvPath(id), s.layout.EnvLink); err != nil {
		return fmt.Errorf("switch environment to %s: %w", id, err)
	}
	return nil
}

// ClearCurrentEnv removes the environment link.
func (s *Store) ClearCurrentEnv() error {
	_, err := fsutil.RemoveIfExists(s.layout.EnvLink)
	return err
}

// Current returns the release the current link resolves to. ok is false
// before the first deploy.
func (s *Store) Current() (id ID, ok bool, err error) {
	target, ok, err := fsutil.ReadLink(s.layout.CurrentLink)
	if err != nil || !ok {
		return "", false, err
	}
	id, err = ParseID(filepath.Base(target))
	if err != nil {
		return "", false, fmt.Errorf("current link %s: %w", s.layout.CurrentLink, err)
	}
	return id, true, nil
}

// Previous returns the newest installed release older than id. Releases
// whose install failed are skipped.
func (s *Store) Previous(id ID) (ID, bool, error) {
	ids, err := s.List()
	if err != nil {
		return "", false, err
	}
	var prev ID
	for _, cand := range ids {
		if cand >= id {
			break
		}
		if s.Installed(cand) {
			prev = cand
		}
	}
	return prev, prev != "", nil
}
