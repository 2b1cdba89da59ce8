// Package fifo wraps the named-pipe mechanics the bank protocol is built
// on: creating FIFOs, opening them non-blocking with a retry window, and
// multiplexing readiness across several of them. The standard library
// has no mkfifo or poll(2) primitive, so this package is a thin,
// deliberately low-level translation of the raw open(2)/poll(2) calls in
// original_source/BankClient.c and BankServer.c.
package fifo

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Perm is the FIFO mode: user rw, group w. Callers create FIFOs with
// umask 0 so this mode is exact on disk.
const Perm = 0620

// Create makes a FIFO at path if one does not already exist. Pre-existing
// FIFOs at path are left alone.
func Create(path string) error {
	oldMask := unix.Umask(0)
	defer unix.Umask(oldMask)

	err := unix.Mkfifo(path, Perm)
	if err != nil && err != unix.EEXIST {
		return fmt.Errorf("fifo: mkfifo %s: %w", path, err)
	}
	return nil
}

// Remove deletes the FIFO at path, ignoring a not-exists error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fifo: remove %s: %w", path, err)
	}
	return nil
}

// OpenWriteRetry opens path for writing, non-blocking, retrying until
// ctx is done. A FIFO's write side cannot open successfully until some
// reader has it open for reading, which is exactly the race a teller
// runs against the client: the worker may start before
// the client opens the read end. Once opened, the descriptor is switched
// back to blocking mode so subsequent writes behave like ordinary
// blocking I/O.
func OpenWriteRetry(ctx context.Context, path string, retryEvery time.Duration) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			if err := clearNonblock(f); err != nil {
				f.Close()
				return nil, err
			}
			return f, nil
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("fifo: open %s for write: %w", path, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fifo: open %s for write: %w", path, ctx.Err())
		case <-time.After(retryEvery):
		}
	}
}

// OpenReadNonblock opens path for reading without blocking, for the
// client-side response multiplexer.
func OpenReadNonblock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenWriteBlocking opens path for writing, blocking until a reader
// attaches. Used by the client to open the well-known server FIFO.
func OpenWriteBlocking(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("fifo: open %s for write: %w", path, err)
	}
	return f, nil
}

// OpenReadDuplex opens path read-write and returns both a read-only
// handle for the ingress loop and the raw descriptor the caller must
// keep open (and never read from) so the read side never observes EOF
// when the last client disconnects.
func OpenReadDuplex(path string) (reader *os.File, selfWriter *os.File, err error) {
	// The read-write open never blocks on a FIFO, and once it is held the
	// read-only open below has a writer to pair with and returns at once.
	selfWriter, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("fifo: open %s self-write: %w", path, err)
	}
	reader, err = os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		selfWriter.Close()
		return nil, nil, fmt.Errorf("fifo: open %s for read: %w", path, err)
	}
	return reader, selfWriter, nil
}

func clearNonblock(f *os.File) error {
	return unix.SetNonblock(int(f.Fd()), false)
}

func isRetryable(err error) bool {
	return err != nil && (os.IsNotExist(err) ||
		isErrno(err, unix.ENXIO) || isErrno(err, unix.EINTR))
}

func isErrno(err error, errno unix.Errno) bool {
	pe, ok := err.(*os.PathError)
	if ok {
		err = pe.Err
	}
	e, ok := err.(unix.Errno)
	return ok && e == errno
}

// PollReady blocks until at least one of fds is ready for reading or the
// deadline elapses, returning the indices (into fds) that are ready. It
// is the direct analogue of a client's poll(2) readiness loop.
func PollReady(fds []int, deadline time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(pfds, int(deadline.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("fifo: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for i, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			ready = append(ready, i)
		}
	}
	return ready, nil
}
