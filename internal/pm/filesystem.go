package pm

import "io"

// FilesystemManager provides the filesystem operations the pipeline needs.
// It abstracts file access so tests can exercise failure paths.
type FilesystemManager interface {
	// CheckWritable verifies that a file can be created at path
	// (the parent directory exists and accepts new files).
	CheckWritable(path string) error

	// Open opens an existing regular file for reading and returns its size.
	Open(path string) (io.ReadCloser, int64, error)

	// WriteAtomic writes everything from r to path via a temp file in the same
	// directory followed by a rename. On error no file is left at path and any
	// previous file at path is untouched. Returns the number of bytes written.
	WriteAtomic(path string, r io.Reader) (int64, error)
}
