package pm

import (
	"context"
	"io"
	"time"
)

// ArtifactInfo describes an artifact stored in a vault.
type ArtifactInfo struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
}

// Vault provides off-site storage for finished artifacts.
// All operations use io.Reader/io.Writer for streaming to support large
// artifacts without loading them entirely into memory.
type Vault interface {
	// Name returns the configured vault name.
	Name() string

	// PutArtifact stores an artifact under name, replacing any previous copy.
	// size is the number of bytes that will be read from r.
	PutArtifact(ctx context.Context, name string, r io.Reader, size int64) error

	// GetArtifact retrieves an artifact by name and writes it to w.
	GetArtifact(ctx context.Context, name string, w io.Writer) error

	// ListArtifacts returns stored artifacts ordered by name.
	ListArtifacts(ctx context.Context) ([]ArtifactInfo, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}
