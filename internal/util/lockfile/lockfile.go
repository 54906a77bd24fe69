// Package lockfile guards the state directory with a single-holder,
// process-wide file lock, so two queue runner instances never point at the
// same state directory at once.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is a held, exclusive, non-blocking lock on a file.
type Lock struct {
	flock *flock.Flock
}

// Acquire tries to take an exclusive non-blocking lock on path, creating any
// parent directories and the lock file itself if needed. If the file is
// already locked by another process, it returns an error the caller should
// present as "another instance is already running".
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ensuring lock file directory exists: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock file %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock file %q is already held: another instance is already running", path)
	}
	return &Lock{flock: fl}, nil
}

// Release drops the lock and removes the underlying file descriptor.
func (l *Lock) Release() error {
	return l.flock.Unlock()
}
