// Package lockfile guards a data directory against concurrent service
// instances. Exactly one process may own a data dir at a time; a second
// Acquire on the same path fails fast instead of letting two orchestrators
// write the same state database and run directories.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrAlreadyLocked indicates another running instance owns the data dir.
var ErrAlreadyLocked = errors.New("data directory is locked by another instance")

// Lock is a held exclusive lock. The file stays behind after Release; the
// OS-level lock is what guards it, so a leftover file from a crashed process
// is harmless and never needs manual removal.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the exclusive lock at path, creating the file when absent.
// The holder's pid is recorded in the file for troubleshooting and named in
// the error a losing contender gets back.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			if pid := holderPid(path); pid != "" {
				return nil, fmt.Errorf("%w (held by pid %s)", ErrAlreadyLocked, pid)
			}
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// holderPid reads the pid the current owner recorded, best effort.
func holderPid(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the file. Safe to call on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
