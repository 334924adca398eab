package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"pm-go/internal/artifact"
	"pm-go/internal/config"
	"pm-go/internal/database"
	"pm-go/internal/encryption"
	"pm-go/internal/fs"
	"pm-go/internal/pm"
	"pm-go/internal/spool"
	"pm-go/internal/vault"
)

// ErrNoVault is returned by vault commands when no vault is configured.
var ErrNoVault = errors.New("no vault configured")

// PMApp is the application layer between the CLI (or relay) and the orchestrator.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the store lifecycle on Close.
type PMApp struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	fsmgr     pm.FilesystemManager
	spool     pm.Spool
	encryptor pm.Encryptor
	vault     pm.Vault // nil when no vault is configured
	orch      *pm.Orchestrator
	session   *Session
	logger    pm.Logger
	logFile   *os.File
	clock     pm.Clock
}

// Options adjusts how NewPMApp opens the application.
type Options struct {
	// Console, if set, receives log lines in addition to the log file.
	Console io.Writer

	// SkipMigrationCheck opens a store whose schema is not at the latest
	// version. Only maintenance commands (pm db ...) set it.
	SkipMigrationCheck bool
}

// NewPMApp creates a fully wired PMApp from the given config.
// command identifies the CLI command being run (e.g. "export", "serve").
// The caller must call Close when done.
func NewPMApp(ctx context.Context, cfg *config.Config, command string, opts Options) (*PMApp, error) {
	clock := pm.RealClock{}
	session := NewSession(command, clock.Now())

	logger, logFile, err := newLogger(cfg.LogDir, session.ID, opts.Console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	a := &PMApp{
		cfg:     cfg,
		fsmgr:   fs.NewOSFilesystemManager(),
		session: session,
		logger:  log,
		logFile: logFile,
		clock:   clock,
	}
	if err := a.open(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}

	a.orch = pm.NewOrchestrator(a.store, a.fsmgr, a.spool, a.logger, clock, pm.UUIDGenerator{})
	if cfg.Database.Type != "memory" {
		// Other pm processes (a CLI next to `pm serve`) share the database.
		a.orch.SetProcessGuard(fs.NewLockGuard(cfg.Database.Path + ".lock"))
	}
	log.Debug("app opened", "command", command, "database", cfg.Database.Path)
	return a, nil
}

func (a *PMApp) open(ctx context.Context, opts Options) error {
	store, err := database.NewStoreFromConfig(a.cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.store = store

	// An in-memory store starts empty.
	if a.cfg.Database.Type == "memory" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migrating in-memory database: %w", err)
		}
	}
	if !opts.SkipMigrationCheck {
		if err := store.CheckMigrations(); err != nil {
			return fmt.Errorf("database schema out of date (run 'pm db migrate'): %w", err)
		}
	}

	sp, err := spool.NewSpoolFromConfig(a.cfg.Spool)
	if err != nil {
		return fmt.Errorf("creating spool: %w", err)
	}
	a.spool = sp

	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc

	if len(a.cfg.Vaults) > 0 {
		v, err := vault.NewVaultFromConfig(ctx, a.cfg.Vaults[0])
		if err != nil {
			return fmt.Errorf("creating vault: %w", err)
		}
		a.vault = v
	}
	return nil
}

// Orchestrator returns the orchestrator, for the relay.
func (a *PMApp) Orchestrator() *pm.Orchestrator {
	return a.orch
}

// Logger returns the application logger.
func (a *PMApp) Logger() pm.Logger {
	return a.logger
}

// ExportRequest holds the user-facing export settings.
type ExportRequest struct {
	// Path of the artifact. Empty selects a timestamped file in the configured export dir.
	Path string

	// Passphrase, when set, encrypts with a passphrase instead of the configured key pair.
	Passphrase string

	// Compression overrides the configured codec ("zstd" or "gzip").
	Compression string

	Observer pm.Observer
}

// Export starts an export. The returned handle follows it to completion.
func (a *PMApp) Export(ctx context.Context, req ExportRequest) (*pm.Handle, error) {
	enc := a.encryptor
	if req.Passphrase != "" {
		enc = encryption.NewPassphraseEncryptor(req.Passphrase)
	}

	name := req.Compression
	if name == "" {
		name = a.cfg.Transfer.Compression
	}
	compression, err := artifact.ParseCompression(name)
	if err != nil {
		return nil, err
	}

	path := req.Path
	if path == "" {
		path, err = a.defaultExportPath()
		if err != nil {
			return nil, err
		}
	}

	return a.orch.StartExport(ctx, path, pm.ExportOptions{
		Encryptor:   enc,
		Compression: compression,
		ChunkSize:   a.cfg.Transfer.ChunkSize,
		Observer:    req.Observer,
	})
}

func (a *PMApp) defaultExportPath() (string, error) {
	dir := a.cfg.Transfer.ExportDir
	if dir == "" {
		dir = filepath.Join(a.cfg.BaseDir, "exports")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}
	name := "pm-" + a.clock.Now().UTC().Format("20060102T150405Z") + ".pmx"
	return filepath.Join(dir, name), nil
}

// ImportRequest holds the user-facing import settings.
type ImportRequest struct {
	Path string

	// Passphrase unlocks the private key (key-pair artifacts) or the artifact itself.
	Passphrase string

	AllowOlderSchema bool

	Observer pm.Observer
}

// Import starts an import. The decryption key is chosen from the artifact header.
func (a *PMApp) Import(ctx context.Context, req ImportRequest) (*pm.Handle, error) {
	header, _, err := a.Inspect(req.Path)
	if err != nil {
		return nil, err
	}
	dec, err := encryption.UnlockFor(header.Cipher, a.cfg.Encryption, req.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking %s key: %w", header.Cipher, err)
	}
	return a.orch.StartImport(ctx, req.Path, pm.ImportOptions{
		Decryptor:        dec,
		ChunkSize:        a.cfg.Transfer.ChunkSize,
		AllowOlderSchema: req.AllowOlderSchema,
		Observer:         req.Observer,
	})
}

// Inspect reads the outer header of an artifact without decrypting it.
// It also returns the artifact size.
func (a *PMApp) Inspect(rawPath string) (artifact.Header, int64, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return artifact.Header{}, 0, fmt.Errorf("resolving path: %w", err)
	}
	f, size, err := a.fsmgr.Open(absPath)
	if err != nil {
		return artifact.Header{}, 0, &pm.IOError{Op: "inspect", Path: absPath, Err: err}
	}
	defer f.Close()

	h, _, err := artifact.ReadHeader(f)
	if err != nil {
		return artifact.Header{}, 0, fmt.Errorf("%w: %s: %w", pm.ErrInvalidArtifact, absPath, err)
	}
	return h, size, nil
}

// NeedsPassphrase reports whether importing the artifact at path requires a passphrase.
func (a *PMApp) NeedsPassphrase(path string) (bool, error) {
	h, _, err := a.Inspect(path)
	if err != nil {
		return false, err
	}
	return encryption.NeedsPassphrase(h.Cipher), nil
}

// CopyToVault uploads a finished artifact to the configured vault under its base name.
func (a *PMApp) CopyToVault(ctx context.Context, path string) error {
	if a.vault == nil {
		return ErrNoVault
	}
	f, size, err := a.fsmgr.Open(path)
	if err != nil {
		return &pm.IOError{Op: "vault copy", Path: path, Err: err}
	}
	defer f.Close()

	name := filepath.Base(path)
	start := a.clock.Now()
	if err := a.vault.PutArtifact(ctx, name, f, size); err != nil {
		return fmt.Errorf("uploading %s to vault %s: %w", name, a.vault.Name(), err)
	}
	a.logger.Info("artifact copied to vault", "vault", a.vault.Name(), "name", name, "bytes", size, "elapsed", a.clock.Now().Sub(start).Truncate(time.Millisecond))
	return nil
}

// VaultArtifacts lists the artifacts in the configured vault.
func (a *PMApp) VaultArtifacts(ctx context.Context) ([]pm.ArtifactInfo, error) {
	if a.vault == nil {
		return nil, ErrNoVault
	}
	return a.vault.ListArtifacts(ctx)
}

// PullArtifact downloads a vault artifact to dest, atomically.
func (a *PMApp) PullArtifact(ctx context.Context, name, dest string) (int64, error) {
	if a.vault == nil {
		return 0, ErrNoVault
	}
	absPath, err := filepath.Abs(dest)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}
	if err := a.fsmgr.CheckWritable(absPath); err != nil {
		return 0, &pm.IOError{Op: "pull", Path: absPath, Err: err}
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.vault.GetArtifact(ctx, name, pw))
	}()
	n, err := a.fsmgr.WriteAtomic(absPath, pr)
	pr.Close()
	if err != nil {
		return 0, fmt.Errorf("pulling %s from vault %s: %w", name, a.vault.Name(), err)
	}
	return n, nil
}

// ValidateVault checks that the configured vault is reachable.
func (a *PMApp) ValidateVault(ctx context.Context) error {
	if a.vault == nil {
		return ErrNoVault
	}
	return a.vault.ValidateSetup(ctx)
}

// History returns the most recent exports and imports.
func (a *PMApp) History(ctx context.Context, limit int) ([]*pm.OperationRecord, error) {
	return a.orch.History(ctx, limit)
}

// SetupKeys generates the configured key pair, protecting the private key with passphrase.
func (a *PMApp) SetupKeys(passphrase string) error {
	if a.cfg.Encryption.Type != "" && a.cfg.Encryption.Type != "age" {
		return fmt.Errorf("encryption type %q has no keys to generate", a.cfg.Encryption.Type)
	}
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	a.logger.Info("keys generated", "public_key", a.cfg.Encryption.PublicKeyPath)
	return nil
}

// MigrationStatus is the store's schema version compared to this build's.
type MigrationStatus struct {
	Current uint
	Latest  uint
	Dirty   bool
}

// Migrate applies pending schema migrations.
func (a *PMApp) Migrate() error {
	if err := a.store.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	a.logger.Info("database migrated")
	return nil
}

// MigrationStatus reports the store's schema version.
func (a *PMApp) MigrationStatus() (MigrationStatus, error) {
	current, dirty, err := a.store.MigrationVersion()
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("reading migration version: %w", err)
	}
	latest, err := a.store.SchemaVersion()
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("reading latest schema version: %w", err)
	}
	return MigrationStatus{Current: current, Latest: latest, Dirty: dirty}, nil
}

// DumpSchema returns the CREATE statements of the application schema.
func (a *PMApp) DumpSchema(ctx context.Context) (string, error) {
	return a.store.DumpSchema(ctx)
}

// Close closes the store, the spool and the log file. Wait on running operations first.
func (a *PMApp) Close() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if c, ok := a.spool.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
