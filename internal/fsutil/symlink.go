package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SymlinkAtomic points link at target. A temp link is created beside link and
// renamed over it, so readers see either the old or the new target.
func SymlinkAtomic(target, link string) error {
	tmp := filepath.Join(filepath.Dir(link), "."+filepath.Base(link)+".tmp-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", tmp, target, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, link, err)
	}
	return nil
}

// ReadLink returns the target of link, or "" with ok=false when link is
// missing.
func ReadLink(link string) (string, bool, error) {
	target, err := os.Readlink(link)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return target, true, nil
}
