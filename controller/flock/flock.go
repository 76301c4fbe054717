// Package flock wraps flock(2) advisory locks. Locks belong to the open file
// description, so two Lock values on the same path conflict even inside one
// process, exactly like two separate processes would.
package flock

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

type Lock struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func New(path string) *Lock {
	return &Lock{path: path}
}

func (l *Lock) Path() string { return l.path }

// TryLock takes the exclusive lock without blocking. It reports false when
// another holder owns it.
func (l *Lock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	l.f = f
	return true, nil
}

// Lock blocks until the exclusive lock is held.
func (l *Lock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return err
	}
	l.f = f
	return nil
}

// Unlock releases the lock. The file is left in place: unlinking it would let
// a waiter lock an orphaned inode while a newcomer locks a fresh one.
func (l *Lock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}
