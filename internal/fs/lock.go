package fs

import (
	"errors"
	"fmt"
	"os"

	"pm-go/internal/pm"
)

// ErrLocked is returned by TryLock when another holder has the lock.
var ErrLocked = errors.New("locked by another process")

// FileLock is an exclusive advisory lock on a file. Locks belong to the open
// file, so two FileLocks on one path conflict even within a process.
type FileLock struct {
	f    *os.File
	path string
}

// TryLock opens path, creating it if needed, and locks it without blocking.
func TryLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	// A previous holder may have removed the file between our open and lock.
	held, err := f.Stat()
	if err == nil {
		var cur os.FileInfo
		cur, err = os.Stat(path)
		if err == nil && !os.SameFile(held, cur) {
			err = ErrLocked
		}
	}
	if err != nil {
		unlockFile(f)
		f.Close()
		if os.IsNotExist(err) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &FileLock{f: f, path: path}, nil
}

// Path returns the locked file's path.
func (l *FileLock) Path() string {
	return l.path
}

// Unlock releases the lock and leaves the file in place.
func (l *FileLock) Unlock() error {
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove deletes the lock file, then releases the lock.
func (l *FileLock) Remove() error {
	rerr := os.Remove(l.path)
	if err := l.Unlock(); err != nil {
		return err
	}
	if rerr != nil && !os.IsNotExist(rerr) {
		return rerr
	}
	return nil
}

// LockGuard is a pm.ProcessGuard backed by a lock file, so processes sharing
// one database run at most one operation between them.
type LockGuard struct {
	path string
}

var _ pm.ProcessGuard = (*LockGuard)(nil)

// NewLockGuard returns a guard locking path.
func NewLockGuard(path string) *LockGuard {
	return &LockGuard{path: path}
}

func (g *LockGuard) TryAcquire() (func(), error) {
	l, err := TryLock(g.path)
	if errors.Is(err, ErrLocked) {
		return nil, fmt.Errorf("%w: another process holds %s", pm.ErrAlreadyRunning, g.path)
	}
	if err != nil {
		return nil, &pm.IOError{Op: "lock", Path: g.path, Err: err}
	}
	return func() { l.Unlock() }, nil
}
