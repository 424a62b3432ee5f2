// Package lock provides the advisory, repository-scoped lock that keeps two
// agent sessions from mutating the same workspace state at once.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another process holds the lock.
var ErrAlreadyRunning = errors.New("another coding agent is already running (lock held); please try again later")

// Lock is a held exclusive lock. The zero value is not usable.
type Lock struct {
	f    *os.File
	path string
}

// AcquireAt takes an exclusive, non-blocking lock on path, creating the file
// if needed. A second acquisition of the same path fails with
// ErrAlreadyRunning until the first Lock is released, including from within
// the same process.
func AcquireAt(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	// Best effort: the pid helps a human find the holder.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{f: f, path: path}, nil
}

// Acquire tries each candidate path in order. A held lock ends the search
// with ErrAlreadyRunning; an unusable path moves on to the next candidate.
func Acquire(candidates []string) (*Lock, error) {
	var errs []error
	for _, p := range candidates {
		l, err := AcquireAt(p)
		if err == nil {
			return l, nil
		}
		if errors.Is(err, ErrAlreadyRunning) {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no lock candidates")
	}
	return nil, fmt.Errorf("no usable lock path: %w", errors.Join(errs...))
}

// Path returns the file backing the lock.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file and drops the lock. It is safe to call more
// than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(rmErr, closeErr)
}
