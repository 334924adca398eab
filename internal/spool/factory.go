package spool

import (
	"fmt"

	"pm-go/internal/config"
	"pm-go/internal/pm"
)

// DefaultMaxSize is the default maximum spool size (4GiB).
const DefaultMaxSize int64 = 4 << 30

// NewSpoolFromConfig creates a Spool implementation based on the config type.
func NewSpoolFromConfig(cfg config.SpoolConfig) (pm.Spool, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	switch cfg.Type {
	case "memory":
		return NewMemorySpool(maxSize), nil
	case "filesystem", "":
		if cfg.SpoolDir == "" {
			return nil, fmt.Errorf("filesystem spool requires spool_dir to be set")
		}
		return NewFilesystemSpool(cfg.SpoolDir, maxSize)
	default:
		return nil, fmt.Errorf("unknown spool type: %s", cfg.Type)
	}
}
