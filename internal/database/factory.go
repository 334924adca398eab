package database

import (
	"fmt"
	"os"
	"path/filepath"

	"pm-go/internal/config"
)

// NewStoreFromConfig creates a SQLiteStore based on the database config type.
func NewStoreFromConfig(cfg config.DatabaseConfig) (*SQLiteStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite3
	}

	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite database")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		return NewSQLiteStore(driver, cfg.Path)
	case "memory":
		return NewSQLiteStore(driver, ":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
