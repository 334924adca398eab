package spool

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"pm-go/internal/pm"
)

// ErrFull is returned by SpoolBuffer.Write when the spool would exceed its maximum size.
var ErrFull = errors.New("spool full")

// Spool implements pm.Spool using a pluggable bufferStore for the storage
// mechanics. Size accounting and the size limit live here.
type Spool struct {
	store   bufferStore
	maxSize int64
	mu      sync.Mutex
	size    int64
	seq     int
	closed  bool
}

var _ pm.Spool = (*Spool)(nil)

func newSpool(store bufferStore, maxSize int64) *Spool {
	return &Spool{store: store, maxSize: maxSize}
}

// Create returns a new, empty buffer.
func (s *Spool) Create(name string) (pm.SpoolBuffer, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%06d-%s", s.seq, sanitize(name))
	s.mu.Unlock()

	data, err := s.store.create(id)
	if err != nil {
		return nil, fmt.Errorf("creating spool buffer %s: %w", name, err)
	}
	return &buffer{spool: s, name: name, data: data}, nil
}

// Close releases the spool's storage, including buffers not yet discarded.
// It is safe to call more than once.
func (s *Spool) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.store.close(); err != nil {
		return fmt.Errorf("closing spool: %w", err)
	}
	return nil
}

// Size returns the total number of bytes held by live buffers.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Spool) reserve(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size+n > s.maxSize {
		return fmt.Errorf("%w: would exceed max size of %d bytes", ErrFull, s.maxSize)
	}
	s.size += n
	return nil
}

func (s *Spool) release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size -= n
}

// buffer is one named spool entry.
type buffer struct {
	spool     *Spool
	name      string
	data      bufferData
	mu        sync.Mutex
	size      int64
	discarded bool
}

var _ pm.SpoolBuffer = (*buffer)(nil)

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded {
		return 0, fmt.Errorf("spool buffer %s: write after discard", b.name)
	}
	if err := b.spool.reserve(int64(len(p))); err != nil {
		return 0, fmt.Errorf("spool buffer %s: %w", b.name, err)
	}
	n, err := b.data.Write(p)
	b.size += int64(n)
	// Unwritten bytes are not held.
	if short := int64(len(p) - n); short > 0 {
		b.spool.release(short)
	}
	return n, err
}

func (b *buffer) Open() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded {
		return nil, fmt.Errorf("spool buffer %s: open after discard", b.name)
	}
	return b.data.open()
}

func (b *buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *buffer) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded {
		return nil
	}
	b.discarded = true
	b.spool.release(b.size)
	if err := b.data.remove(); err != nil {
		return fmt.Errorf("discarding spool buffer %s: %w", b.name, err)
	}
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
