package pm

import "io"

// Spool holds the intermediate output of pipeline phases (snapshot rows, the
// serialized envelope, compressed and encrypted payloads) so that each phase
// streams from the previous one instead of keeping it in memory.
// Implementations enforce a maximum total size.
type Spool interface {
	// Create returns a new, empty buffer. name is used for diagnostics only.
	Create(name string) (SpoolBuffer, error)

	// Size returns the total number of bytes currently held.
	Size() int64
}

// SpoolBuffer is written once, then read back any number of times.
type SpoolBuffer interface {
	io.Writer

	// Open returns a reader over everything written so far.
	Open() (io.ReadCloser, error)

	// Size returns the number of bytes written.
	Size() int64

	// Discard releases the buffer. It is safe to call more than once.
	Discard() error
}
