package fifo

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DBLock is an advisory file lock guarding the account database, named
// after the bank so that a crashed prior server's lock is reclaimable by
// the next boot rather than wedging forever. It stands in for a named
// POSIX semaphore; flock(2) ties the lock's lifetime to
// the holding process's open file descriptors, so the OS releases it
// automatically if the process dies without a clean shutdown.
type DBLock struct {
	file *os.File
}

// AcquireDBLock opens (creating if needed) the lock file at path and
// takes an exclusive, non-blocking flock on it.
func AcquireDBLock(path string) (*DBLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("fifo: open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("fifo: database is locked by another server instance (%s): %w", path, err)
	}

	return &DBLock{file: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *DBLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("fifo: unlock: %w", err)
	}
	return l.file.Close()
}
