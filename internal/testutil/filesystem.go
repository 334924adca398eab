package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"pm-go/internal/pm"
)

// MockFilesystemManager is an in-memory filesystem for testing.
// Directories are implied by AddDirectory; writes into a directory that was
// never added fail CheckWritable. Safe for concurrent use.
type MockFilesystemManager struct {
	mu         sync.Mutex
	files      map[string][]byte
	dirs       map[string]bool
	readOnly   map[string]bool
	writeErr   error
	failAfter  int64
	writeCalls int
}

// NewMockFilesystemManager creates a new mock filesystem containing only "/".
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:     make(map[string][]byte),
		dirs:      map[string]bool{"/": true},
		readOnly:  make(map[string]bool),
		failAfter: -1,
	}
}

// AddFile adds a file to the mock filesystem, creating its directory.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = bytes.Clone(content)
	m.dirs[filepath.Dir(path)] = true
}

// AddDirectory adds a directory to the mock filesystem.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[filepath.Clean(path)] = true
}

// SetReadOnly makes CheckWritable fail for files in dir.
func (m *MockFilesystemManager) SetReadOnly(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly[filepath.Clean(dir)] = true
}

// FailWrites makes every later WriteAtomic fail with err after consuming
// afterBytes bytes of its input. A negative afterBytes fails before reading.
func (m *MockFilesystemManager) FailWrites(err error, afterBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
	m.failAfter = afterBytes
}

// File returns the content of path and whether it exists.
func (m *MockFilesystemManager) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return bytes.Clone(data), ok
}

// Files returns the paths of all files.
func (m *MockFilesystemManager) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	return paths
}

// WriteCalls returns how many times WriteAtomic was called.
func (m *MockFilesystemManager) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

func (m *MockFilesystemManager) CheckWritable(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[path] {
		return fmt.Errorf("%s is a directory", path)
	}
	dir := filepath.Dir(path)
	if !m.dirs[dir] {
		return fmt.Errorf("directory %s does not exist", dir)
	}
	if m.readOnly[dir] {
		return fmt.Errorf("directory %s is not writable", dir)
	}
	return nil
}

func (m *MockFilesystemManager) Open(path string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[path] {
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	data, ok := m.files[path]
	if !ok {
		return nil, 0, fmt.Errorf("file not found: %s", path)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), int64(len(data)), nil
}

func (m *MockFilesystemManager) WriteAtomic(path string, r io.Reader) (int64, error) {
	m.mu.Lock()
	m.writeCalls++
	writeErr, failAfter := m.writeErr, m.failAfter
	m.mu.Unlock()

	if writeErr != nil && failAfter < 0 {
		return 0, writeErr
	}
	if writeErr != nil {
		r = io.LimitReader(r, failAfter)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if writeErr != nil {
		return 0, writeErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[filepath.Dir(path)] {
		return 0, errors.New("parent directory vanished")
	}
	m.files[path] = data
	return int64(len(data)), nil
}

// Compile-time check
var _ pm.FilesystemManager = (*MockFilesystemManager)(nil)
