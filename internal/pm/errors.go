package pm

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned when an export or import is started while
	// another operation has not reached a terminal status.
	ErrAlreadyRunning = errors.New("an export or import is already running")

	// ErrInvalidArtifact is returned when an artifact's header or envelope is
	// unrecognized or malformed.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrIntegrity is returned when an artifact fails authentication on decrypt.
	ErrIntegrity = errors.New("artifact integrity check failed")

	// ErrSchemaMismatch is returned when the artifact's schema cannot be restored
	// into this application's store.
	ErrSchemaMismatch = errors.New("artifact schema does not match store")

	// ErrUnknownOperation is returned for operation ids the orchestrator does not know.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrIO matches every *IOError through errors.Is.
	ErrIO = errors.New("i/o error")

	// ErrTransient marks store errors that are safe to retry (e.g. a busy database).
	// Stores wrap such errors with it; the orchestrator only retries idempotent reads.
	ErrTransient = errors.New("transient store error")

	// errCanceled is returned internally when a cancellation request is honored.
	errCanceled = errors.New("operation canceled")
)

// IOError is a filesystem read or write failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIO) true for any *IOError.
func (e *IOError) Is(target error) bool { return target == ErrIO }
