package spool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pm-go/internal/fs"
)

const (
	fileSuffix = ".spool"
	runPrefix  = "run-"
	lockSuffix = ".lock"

	// runAttempts bounds retries when a concurrent sweep claims a fresh lock file.
	runAttempts = 5
)

// filesystemStore keeps each buffer in its own file under a run directory
// owned by this process. Several processes can share one spool_dir.
//
// Directory structure:
//
//	<spool_dir>/
//	  run-<random>.lock     locked while the owning process lives
//	  run-<random>/
//	    000001-rows-<random>.spool
//	    000002-envelope-<random>.spool
type filesystemStore struct {
	dir  string
	lock *fs.FileLock
}

// NewFilesystemSpool creates a spool backed by files in a new run directory
// under dir. Run directories of processes that are gone are removed first.
// maxSize is the maximum total size in bytes; must be positive.
// Close releases the run directory.
func NewFilesystemSpool(dir string, maxSize int64) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := sweepRuns(dir); err != nil {
		return nil, err
	}
	store, err := newRun(dir)
	if err != nil {
		return nil, err
	}
	return newSpool(store, maxSize), nil
}

// newRun creates and locks a run directory. The lock file comes first, so a
// run directory without one is always orphaned.
func newRun(dir string) (*filesystemStore, error) {
	for attempt := 0; attempt < runAttempts; attempt++ {
		f, err := os.CreateTemp(dir, runPrefix+"*"+lockSuffix)
		if err != nil {
			return nil, fmt.Errorf("creating spool lock file: %w", err)
		}
		lockPath := f.Name()
		f.Close()

		lock, err := fs.TryLock(lockPath)
		if errors.Is(err, fs.ErrLocked) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("locking spool run: %w", err)
		}

		runDir := strings.TrimSuffix(lockPath, lockSuffix)
		if err := os.Mkdir(runDir, 0700); err != nil {
			lock.Remove()
			return nil, fmt.Errorf("creating spool run directory: %w", err)
		}
		return &filesystemStore{dir: runDir, lock: lock}, nil
	}
	return nil, fmt.Errorf("could not claim a spool run in %s after %d attempts", dir, runAttempts)
}

// sweepRuns removes run directories whose lock is not held by a live process.
func sweepRuns(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading spool directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, runPrefix) {
			continue
		}
		path := filepath.Join(dir, name)

		if e.IsDir() {
			if _, err := os.Stat(path + lockSuffix); os.IsNotExist(err) {
				if err := os.RemoveAll(path); err != nil {
					return fmt.Errorf("removing orphaned spool run: %w", err)
				}
			}
			continue
		}
		if !strings.HasSuffix(name, lockSuffix) {
			continue
		}

		lock, err := fs.TryLock(path)
		if err != nil {
			// Held by a live process, or being claimed right now.
			continue
		}
		rerr := os.RemoveAll(strings.TrimSuffix(path, lockSuffix))
		if err := lock.Remove(); rerr == nil {
			rerr = err
		}
		if rerr != nil {
			return fmt.Errorf("removing stale spool run: %w", rerr)
		}
	}
	return nil
}

func (s *filesystemStore) close() error {
	err := os.RemoveAll(s.dir)
	if lerr := s.lock.Remove(); err == nil {
		err = lerr
	}
	return err
}

func (s *filesystemStore) create(id string) (bufferData, error) {
	f, err := os.CreateTemp(s.dir, id+"-*"+fileSuffix)
	if err != nil {
		return nil, err
	}
	return &fileData{file: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

type fileData struct {
	file   *os.File
	w      *bufio.Writer
	closed bool
}

func (f *fileData) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *fileData) open() (io.ReadCloser, error) {
	if err := f.w.Flush(); err != nil {
		return nil, fmt.Errorf("flushing spool file: %w", err)
	}
	return os.Open(f.file.Name())
}

func (f *fileData) remove() error {
	if !f.closed {
		f.closed = true
		f.file.Close()
	}
	if err := os.Remove(f.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
