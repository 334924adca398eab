package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pm-go/internal/pm"
)

// artifactPerm is the mode of written artifacts. The payload is encrypted, but
// the header and file size are not.
const artifactPerm = 0600

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
// It performs actual filesystem operations using the os package.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// CheckWritable verifies that a new file can be created next to path by
// creating and removing a temporary file. An existing regular file at path is fine;
// it will be replaced.
func (m *OSFilesystemManager) CheckWritable(path string) error {
	if info, err := os.Stat(path); err == nil {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("not a regular file: %s", path)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat path: %w", err)
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".pm-check-*")
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return nil
}

// Open opens a regular file for reading.
func (m *OSFilesystemManager) Open(path string) (io.ReadCloser, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat path: %w", err)
	}

	// Check for special file types we don't support
	mode := info.Mode()
	switch {
	case mode.IsDir():
		return nil, 0, fmt.Errorf("cannot open directory as file: %s", path)
	case mode&os.ModeDevice != 0:
		return nil, 0, fmt.Errorf("device files not supported: %s", path)
	case mode&os.ModeNamedPipe != 0:
		return nil, 0, fmt.Errorf("named pipes not supported: %s", path)
	case mode&os.ModeSocket != 0:
		return nil, 0, fmt.Errorf("sockets not supported: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// WriteAtomic writes r to a temp file in path's directory, syncs it and
// renames it over path. The directory is synced so the rename survives a crash.
func (m *OSFilesystemManager) WriteAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		return written, fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Chmod(artifactPerm); err != nil {
		return written, fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return written, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return written, fmt.Errorf("renaming temp file: %w", err)
	}
	success = true

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return written, nil
}

// Compile-time check that OSFilesystemManager implements pm.FilesystemManager interface
var _ pm.FilesystemManager = (*OSFilesystemManager)(nil)
