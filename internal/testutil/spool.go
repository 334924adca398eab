package testutil

import (
	"pm-go/internal/pm"
	"pm-go/internal/spool"
)

const (
	// DefaultSpoolMaxSize is the default max size for test spools (64MB).
	DefaultSpoolMaxSize = 64 * 1024 * 1024
)

// NewTestSpool creates a new in-memory spool for testing.
func NewTestSpool() pm.Spool {
	return spool.NewMemorySpool(DefaultSpoolMaxSize)
}

// NewTestSpoolWithSize creates a new in-memory spool with a custom max size.
func NewTestSpoolWithSize(maxSize int64) pm.Spool {
	return spool.NewMemorySpool(maxSize)
}
