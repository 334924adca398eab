package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for pm.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Encryption EncryptionConfig `toml:"encryption"`
	Spool      SpoolConfig      `toml:"spool"`
	Transfer   TransferConfig   `toml:"transfer"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Relay      RelayConfig      `toml:"relay"`
}

// DatabaseConfig represents configuration for the application database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type   string `toml:"type"`             // "sqlite" or "memory"
	Driver string `toml:"driver,omitempty"` // "sqlite3" (default, cgo) or "sqlite" (pure Go)
	Path   string `toml:"path,omitempty"`   // only used for type=sqlite
}

// EncryptionConfig selects how export artifacts are encrypted.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default, key pair), "passphrase", or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// SpoolConfig represents configuration for the spool that holds intermediate
// pipeline output.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SpoolConfig struct {
	Type     string `toml:"type"`                // "memory" or "filesystem"
	SpoolDir string `toml:"spool_dir,omitempty"` // only used for type=filesystem
	MaxSize  int64  `toml:"max_size"`            // max total size in bytes; must be positive
}

// TransferConfig holds export/import pipeline settings.
type TransferConfig struct {
	ChunkSize   int    `toml:"chunk_size"`  // rows per snapshot read / insert batch
	Compression string `toml:"compression"` // "zstd" (default) or "gzip"
	ExportDir   string `toml:"export_dir"`  // default directory for `pm export` without a path
}

// VaultConfig represents configuration for an artifact vault.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible services

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// RelayConfig configures the WebSocket relay used by the UI process.
type RelayConfig struct {
	Addr string `toml:"addr"`
}

// NewConfig creates a new Config rooted at baseDir with default paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:   "sqlite",
			Driver: "sqlite3",
			Path:   filepath.Join(baseDir, "pm.db"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "pm.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "pm.key"),
		},
		Spool: SpoolConfig{
			Type:     "filesystem",
			SpoolDir: filepath.Join(baseDir, "spool"),
			MaxSize:  4 << 30,
		},
		Transfer: TransferConfig{
			ChunkSize:   500,
			Compression: "zstd",
			ExportDir:   filepath.Join(baseDir, "exports"),
		},
		Relay: RelayConfig{Addr: "127.0.0.1:7420"},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
