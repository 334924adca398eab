package app

import (
	"fmt"
	"os"
	"path/filepath"

	"pm-go/internal/config"
)

// Environment variables read by GetDefaults and ApplyEnv.
const (
	envConfigPath = "PM_CONFIG_PATH" // config file (default ~/.config/pm.toml)
	envHome       = "PM_HOME"        // base directory (default ~/.local/share/pm)
	envLogDir     = "PM_LOG_DIR"     // overrides log_dir
	envSpoolDir   = "PM_SPOOL_DIR"   // overrides spool.spool_dir
	envExportDir  = "PM_EXPORT_DIR"  // overrides transfer.export_dir
)

// GetDefaults returns application default paths, environment variables first.
// Keys: config_path, base_dir, log_dir, spool_dir, export_dir.
func GetDefaults() (map[string]string, error) {
	home := ""
	needHome := os.Getenv(envConfigPath) == "" || os.Getenv(envHome) == ""
	if needHome {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		home = h
	}

	baseDir := envOr(envHome, filepath.Join(home, ".local", "share", "pm"))
	return map[string]string{
		"config_path": envOr(envConfigPath, filepath.Join(home, ".config", "pm.toml")),
		"base_dir":    baseDir,
		"log_dir":     envOr(envLogDir, filepath.Join(baseDir, "log")),
		"spool_dir":   envOr(envSpoolDir, filepath.Join(baseDir, "spool")),
		"export_dir":  envOr(envExportDir, filepath.Join(baseDir, "exports")),
	}, nil
}

// NewDefaultConfig returns the config written by `pm config init`.
func NewDefaultConfig(defaults map[string]string) *config.Config {
	cfg := config.NewConfig(defaults["base_dir"])
	cfg.LogDir = defaults["log_dir"]
	cfg.Spool.SpoolDir = defaults["spool_dir"]
	cfg.Transfer.ExportDir = defaults["export_dir"]
	return cfg
}

// ApplyEnv overrides directories of a loaded config from the environment, so a
// second instance (a relay under a service manager, CI) can log and spool elsewhere.
func ApplyEnv(cfg *config.Config) {
	if dir := os.Getenv(envLogDir); dir != "" {
		cfg.LogDir = dir
	}
	if dir := os.Getenv(envSpoolDir); dir != "" {
		cfg.Spool.SpoolDir = dir
	}
	if dir := os.Getenv(envExportDir); dir != "" {
		cfg.Transfer.ExportDir = dir
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
