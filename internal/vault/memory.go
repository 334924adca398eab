package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"pm-go/internal/pm"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It stores all artifacts in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name      string
	artifacts map[string]memoryArtifact
	mu        sync.RWMutex
}

type memoryArtifact struct {
	data       []byte
	modifiedAt time.Time
}

// Compile-time check that MemoryVault implements pm.Vault interface
var _ pm.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:      name,
		artifacts: make(map[string]memoryArtifact),
	}
}

func (m *MemoryVault) Name() string {
	return m.name
}

// PutArtifact stores an artifact, replacing any previous copy.
func (m *MemoryVault) PutArtifact(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[name] = memoryArtifact{data: data, modifiedAt: time.Now()}
	return nil
}

// GetArtifact retrieves an artifact by name.
func (m *MemoryVault) GetArtifact(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifacts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, err := io.Copy(w, bytes.NewReader(a.data)); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the stored artifacts ordered by name.
func (m *MemoryVault) ListArtifacts(ctx context.Context) ([]pm.ArtifactInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pm.ArtifactInfo, 0, len(m.artifacts))
	for name, a := range m.artifacts {
		out = append(out, pm.ArtifactInfo{Name: name, Size: int64(len(a.data)), ModifiedAt: a.modifiedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}
