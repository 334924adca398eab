package app

import (
	"os"
	"path/filepath"
	"testing"

	"pm-go/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envConfigPath, envHome, envLogDir, envSpoolDir, envExportDir} {
		t.Setenv(key, "")
	}
}

func TestGetDefaults(t *testing.T) {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".local", "share", "pm")

	tests := []struct {
		name string
		env  map[string]string
		want map[string]string
	}{
		{
			name: "home dir fallbacks",
			want: map[string]string{
				"config_path": filepath.Join(homeDir, ".config", "pm.toml"),
				"base_dir":    base,
				"log_dir":     filepath.Join(base, "log"),
				"spool_dir":   filepath.Join(base, "spool"),
				"export_dir":  filepath.Join(base, "exports"),
			},
		},
		{
			name: "PM_HOME moves every data dir",
			env:  map[string]string{envConfigPath: "/custom/config.toml", envHome: "/custom/pm"},
			want: map[string]string{
				"config_path": "/custom/config.toml",
				"base_dir":    "/custom/pm",
				"log_dir":     "/custom/pm/log",
				"spool_dir":   "/custom/pm/spool",
				"export_dir":  "/custom/pm/exports",
			},
		},
		{
			name: "directory overrides",
			env: map[string]string{
				envHome:      "/custom/pm",
				envLogDir:    "/var/log/pm",
				envSpoolDir:  "/scratch/pm",
				envExportDir: "/backups",
			},
			want: map[string]string{
				"base_dir":   "/custom/pm",
				"log_dir":    "/var/log/pm",
				"spool_dir":  "/scratch/pm",
				"export_dir": "/backups",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			defaults, err := GetDefaults()
			if err != nil {
				t.Fatalf("GetDefaults() error = %v", err)
			}
			for key, want := range tt.want {
				if defaults[key] != want {
					t.Errorf("%s = %q, want %q", key, defaults[key], want)
				}
			}
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv(envHome, "/data/pm")
	t.Setenv(envSpoolDir, "/scratch/pm")

	defaults, err := GetDefaults()
	if err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig(defaults)

	if cfg.BaseDir != "/data/pm" || cfg.Database.Path != "/data/pm/pm.db" {
		t.Errorf("BaseDir = %q, Database.Path = %q", cfg.BaseDir, cfg.Database.Path)
	}
	if cfg.Spool.SpoolDir != "/scratch/pm" {
		t.Errorf("SpoolDir = %q, want /scratch/pm", cfg.Spool.SpoolDir)
	}
	if cfg.LogDir != "/data/pm/log" || cfg.Transfer.ExportDir != "/data/pm/exports" {
		t.Errorf("LogDir = %q, ExportDir = %q", cfg.LogDir, cfg.Transfer.ExportDir)
	}
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	cfg := config.NewConfig("/data/pm")

	ApplyEnv(cfg)
	if cfg.LogDir != "/data/pm/log" || cfg.Spool.SpoolDir != "/data/pm/spool" {
		t.Errorf("ApplyEnv() without env changed the config: %+v", cfg)
	}

	t.Setenv(envLogDir, "/var/log/pm-relay")
	t.Setenv(envExportDir, "/backups")
	ApplyEnv(cfg)
	if cfg.LogDir != "/var/log/pm-relay" {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.Transfer.ExportDir != "/backups" {
		t.Errorf("ExportDir = %q", cfg.Transfer.ExportDir)
	}
	if cfg.Spool.SpoolDir != "/data/pm/spool" {
		t.Errorf("SpoolDir = %q, want unchanged", cfg.Spool.SpoolDir)
	}
}
