//go:build !windows

package lsmkv

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Locker is a file-based, cross-process advisory lock.
type Locker interface {
	Lock() error
	Unlock() error
}

// fileLocker implements Locker using syscall.Flock, exactly as the
// teacher does: a single "LOCK" file inside the database directory.
type fileLocker struct {
	file *os.File
}

// newFileLocker opens (creating if necessary) the LOCK file inside
// dir.
func newFileLocker(dir string) (Locker, error) {
	lockPath := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "lsmkv: open lock file %s", lockPath)
	}
	return &fileLocker{file: f}, nil
}

// Lock acquires an exclusive, non-blocking lock on the file
// descriptor.
func (l *fileLocker) Lock() error {
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		return ErrDBAlreadyOpen
	}
	if err != nil {
		return errors.Wrap(err, "lsmkv: acquire file lock")
	}
	return nil
}

// Unlock releases the lock and closes the file.
func (l *fileLocker) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Wrap(err, "lsmkv: release file lock")
	}
	return errors.Wrap(l.file.Close(), "lsmkv: close lock file")
}
