package spool

import "io"

// bufferStore abstracts where spooled bytes live.
// Concurrency is managed by the caller (buffer.mu), so stores do not need
// to be safe for concurrent use of a single bufferData.
type bufferStore interface {
	// create allocates storage for a buffer with the given unique id.
	create(id string) (bufferData, error)

	// close releases everything the store holds.
	close() error
}

// bufferData is the storage behind one buffer.
type bufferData interface {
	io.Writer

	// open returns a reader over everything written so far.
	open() (io.ReadCloser, error)

	// remove releases the storage.
	remove() error
}
