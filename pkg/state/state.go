package state

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// EnsureStateDirs makes sure the runtime folder layout exists under dbPath:
// real directories, not symlinks, restrictive perms, writable.
func EnsureStateDirs(dbPath string) error {
	for _, p := range PathsFor(dbPath).all() {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return errors.Annotatef(err, "cannot create parent for %s", p)
		}

		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return errors.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return errors.Errorf("path exists and is not a directory: %s", p)
			}
		}

		if err := os.MkdirAll(p, 0o700); err != nil {
			return errors.Annotatef(err, "cannot create path %s", p)
		}

		if fi2, err := os.Lstat(p); err == nil {
			if fi2.Mode()&os.ModeSymlink != 0 {
				return errors.Errorf("path is a symlink after creation: %s", p)
			}
		}

		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return errors.Annotatef(err, "path not writable: %s", p)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return nil
}

var (
	PathsVar Paths
	initOnce sync.Once
	initErr  error
)

// Init lays out the state directories once per process.
func Init(dbPath string) error {
	initOnce.Do(func() {
		path := strings.TrimSpace(dbPath)
		if path == "" {
			path = "./.database"
		}
		path = filepath.Clean(path)
		PathsVar = PathsFor(path)
		initErr = EnsureStateDirs(path)
	})
	return initErr
}
