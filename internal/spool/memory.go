package spool

import (
	"bytes"
	"io"
)

// memoryStore keeps buffers in memory. Useful for tests and small databases.
type memoryStore struct{}

// NewMemorySpool creates an in-memory spool.
// maxSize is the maximum total size in bytes; must be positive.
func NewMemorySpool(maxSize int64) *Spool {
	return newSpool(memoryStore{}, maxSize)
}

func (memoryStore) create(string) (bufferData, error) {
	return &memoryData{}, nil
}

func (memoryStore) close() error { return nil }

type memoryData struct {
	buf []byte
}

func (m *memoryData) Write(p []byte) (int, error) {
	m.buf = append(m.buf, p...)
	return len(p), nil
}

func (m *memoryData) open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.buf)), nil
}

func (m *memoryData) remove() error {
	m.buf = nil
	return nil
}
