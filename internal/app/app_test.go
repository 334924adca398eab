package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pm-go/internal/artifact"
	"pm-go/internal/config"
	"pm-go/internal/database"
	"pm-go/internal/fs"
	"pm-go/internal/pm"
	"pm-go/internal/testutil"
)

// newTestConfig returns a config rooted in a temp dir with a file database,
// the test cipher, a memory spool and a filesystem vault.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.Encryption.Type = "test"
	cfg.Spool = config.SpoolConfig{Type: "memory", MaxSize: 64 << 20}
	cfg.Transfer.ChunkSize = 4
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(cfg.BaseDir, "vault")}}
	return cfg
}

// newTestApp opens a migrated app over cfg. tasks > 0 seeds fixtures.
func newTestApp(t *testing.T, cfg *config.Config, tasks int) *PMApp {
	t.Helper()
	a, err := NewPMApp(context.Background(), cfg, "test", Options{SkipMigrationCheck: true})
	if err != nil {
		t.Fatalf("NewPMApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if tasks > 0 {
		testutil.SeedFixtures(t, a.store, tasks)
	}
	return a
}

func waitHandle(t *testing.T, h *pm.Handle) pm.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("operation %s error = %v", h.ID, err)
	}
	return res
}

func TestNewPMApp_MigrationCheck(t *testing.T) {
	cfg := newTestConfig(t)

	if _, err := NewPMApp(context.Background(), cfg, "export", Options{}); err == nil {
		t.Fatal("NewPMApp() on an unmigrated database expected error")
	}

	a, err := NewPMApp(context.Background(), cfg, "db migrate", Options{SkipMigrationCheck: true})
	if err != nil {
		t.Fatalf("NewPMApp(SkipMigrationCheck) error = %v", err)
	}
	st, err := a.MigrationStatus()
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if st.Current != 0 || st.Latest == 0 {
		t.Errorf("MigrationStatus() = %+v before migrate", st)
	}
	if err := a.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if st, _ := a.MigrationStatus(); st.Current != st.Latest || st.Dirty {
		t.Errorf("MigrationStatus() = %+v after migrate", st)
	}
	a.Close()

	a, err = NewPMApp(context.Background(), cfg, "export", Options{})
	if err != nil {
		t.Fatalf("NewPMApp() after migrate error = %v", err)
	}
	a.Close()
}

func TestNewPMApp_MemoryDatabase(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "memory", Driver: database.DriverSQLite}

	a, err := NewPMApp(context.Background(), cfg, "serve", Options{})
	if err != nil {
		t.Fatalf("NewPMApp() error = %v", err)
	}
	defer a.Close()

	schema, err := a.DumpSchema(context.Background())
	if err != nil {
		t.Fatalf("DumpSchema() error = %v", err)
	}
	if !strings.Contains(schema, "CREATE TABLE tasks") {
		t.Errorf("DumpSchema() missing tasks table:\n%s", schema)
	}
}

func TestNewPMApp_BadConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{name: "unknown database", modify: func(c *config.Config) { c.Database.Type = "postgres" }},
		{name: "unknown spool", modify: func(c *config.Config) { c.Spool.Type = "tape" }},
		{name: "unknown encryption", modify: func(c *config.Config) { c.Encryption.Type = "rot13" }},
		{name: "unknown vault", modify: func(c *config.Config) { c.Vaults[0].Type = "ftp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			tt.modify(cfg)
			if _, err := NewPMApp(context.Background(), cfg, "test", Options{SkipMigrationCheck: true}); err == nil {
				t.Error("NewPMApp() expected error")
			}
		})
	}
}

func TestPMApp_ExportImport(t *testing.T) {
	src := newTestApp(t, newTestConfig(t), 6)
	path := filepath.Join(src.cfg.BaseDir, "out.pmx")

	h, err := src.Export(context.Background(), ExportRequest{Path: path, Compression: "gzip"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	res := waitHandle(t, h)
	if res.FilePath != path {
		t.Errorf("FilePath = %q, want %q", res.FilePath, path)
	}

	header, size, err := src.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if header.Cipher != artifact.CipherTest || header.Compression != artifact.CompressionGzip {
		t.Errorf("Inspect() header = %+v", header)
	}
	if size != res.SizeBytes {
		t.Errorf("Inspect() size = %d, want %d", size, res.SizeBytes)
	}
	if need, _ := src.NeedsPassphrase(path); need {
		t.Error("NeedsPassphrase() = true for the test cipher")
	}

	dst := newTestApp(t, newTestConfig(t), 0)
	h, err = dst.Import(context.Background(), ImportRequest{Path: path})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res := waitHandle(t, h); !res.RestartRequired {
		t.Error("RestartRequired = false")
	}

	if diff := testutil.DumpStore(t, src.store).Diff(testutil.DumpStore(t, dst.store)); diff != "" {
		t.Errorf("imported store differs:\n%s", diff)
	}

	recs, err := dst.History(context.Background(), 5)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != pm.KindImport || recs[0].Status != pm.StatusCompleted {
		t.Errorf("History() = %+v", recs)
	}
}

func TestPMApp_DatabaseLockSharedAcrossProcesses(t *testing.T) {
	cfg := newTestConfig(t)
	a := newTestApp(t, cfg, 2)
	path := filepath.Join(cfg.BaseDir, "locked.pmx")

	// Another process running an operation on the same database holds this lock.
	other, err := fs.TryLock(cfg.Database.Path + ".lock")
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if _, err := a.Export(context.Background(), ExportRequest{Path: path}); !errors.Is(err, pm.ErrAlreadyRunning) {
		t.Fatalf("Export() error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected export wrote a file")
	}

	if err := other.Unlock(); err != nil {
		t.Fatal(err)
	}
	h, err := a.Export(context.Background(), ExportRequest{Path: path})
	if err != nil {
		t.Fatalf("Export() after unlock error = %v", err)
	}
	waitHandle(t, h)

	// The finished operation let go of the lock.
	again, err := fs.TryLock(cfg.Database.Path + ".lock")
	if err != nil {
		t.Fatalf("TryLock() after export error = %v", err)
	}
	again.Unlock()
}

func TestPMApp_PassphraseExport(t *testing.T) {
	src := newTestApp(t, newTestConfig(t), 2)
	path := filepath.Join(src.cfg.BaseDir, "secret.pmx")

	h, err := src.Export(context.Background(), ExportRequest{Path: path, Passphrase: "correct horse"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	waitHandle(t, h)

	if need, err := src.NeedsPassphrase(path); err != nil || !need {
		t.Errorf("NeedsPassphrase() = %v, %v", need, err)
	}

	dst := newTestApp(t, newTestConfig(t), 0)
	h, err = dst.Import(context.Background(), ImportRequest{Path: path, Passphrase: "wrong"})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, pm.ErrIntegrity) {
		t.Errorf("import with wrong passphrase error = %v, want ErrIntegrity", err)
	}

	h, err = dst.Import(context.Background(), ImportRequest{Path: path, Passphrase: "correct horse"})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	waitHandle(t, h)
}

func TestPMApp_DefaultExportPath(t *testing.T) {
	a := newTestApp(t, newTestConfig(t), 1)

	h, err := a.Export(context.Background(), ExportRequest{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	res := waitHandle(t, h)
	if filepath.Dir(res.FilePath) != a.cfg.Transfer.ExportDir {
		t.Errorf("FilePath = %q, want a file in %q", res.FilePath, a.cfg.Transfer.ExportDir)
	}
	if !strings.HasPrefix(filepath.Base(res.FilePath), "pm-") || filepath.Ext(res.FilePath) != ".pmx" {
		t.Errorf("FilePath = %q", res.FilePath)
	}
}

func TestPMApp_Vault(t *testing.T) {
	a := newTestApp(t, newTestConfig(t), 2)
	ctx := context.Background()
	path := filepath.Join(a.cfg.BaseDir, "v.pmx")

	h, err := a.Export(ctx, ExportRequest{Path: path})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	waitHandle(t, h)

	if err := a.ValidateVault(ctx); err != nil {
		t.Fatalf("ValidateVault() error = %v", err)
	}
	if err := a.CopyToVault(ctx, path); err != nil {
		t.Fatalf("CopyToVault() error = %v", err)
	}

	infos, err := a.VaultArtifacts(ctx)
	if err != nil {
		t.Fatalf("VaultArtifacts() error = %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "v.pmx" {
		t.Fatalf("VaultArtifacts() = %+v", infos)
	}

	dest := filepath.Join(t.TempDir(), "pulled.pmx")
	n, err := a.PullArtifact(ctx, "v.pmx", dest)
	if err != nil {
		t.Fatalf("PullArtifact() error = %v", err)
	}
	want, _ := os.ReadFile(path)
	got, _ := os.ReadFile(dest)
	if n != int64(len(want)) || testutil.SHA256Hex(got) != testutil.SHA256Hex(want) {
		t.Errorf("pulled %d bytes (sha256 %s), want %d bytes (sha256 %s)", n, testutil.SHA256Hex(got), len(want), testutil.SHA256Hex(want))
	}

	t.Run("missing artifact leaves no file", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "missing.pmx")
		if _, err := a.PullArtifact(ctx, "missing.pmx", dest); err == nil {
			t.Error("PullArtifact() expected error")
		}
		if _, err := os.Stat(dest); !os.IsNotExist(err) {
			t.Errorf("PullArtifact() left %s", dest)
		}
	})
}

func TestPMApp_NoVault(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Vaults = nil
	a := newTestApp(t, cfg, 0)

	if err := a.CopyToVault(context.Background(), "/tmp/x.pmx"); !errors.Is(err, ErrNoVault) {
		t.Errorf("CopyToVault() error = %v, want ErrNoVault", err)
	}
	if _, err := a.VaultArtifacts(context.Background()); !errors.Is(err, ErrNoVault) {
		t.Errorf("VaultArtifacts() error = %v, want ErrNoVault", err)
	}
}

func TestPMApp_InspectRejectsNonArtifacts(t *testing.T) {
	a := newTestApp(t, newTestConfig(t), 0)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not an artifact at all"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := a.Inspect(path); !errors.Is(err, pm.ErrInvalidArtifact) {
		t.Errorf("Inspect() error = %v, want ErrInvalidArtifact", err)
	}
	if _, err := a.Import(context.Background(), ImportRequest{Path: path}); !errors.Is(err, pm.ErrInvalidArtifact) {
		t.Errorf("Import() error = %v, want ErrInvalidArtifact", err)
	}
	if _, _, err := a.Inspect(filepath.Join(t.TempDir(), "missing.pmx")); !errors.Is(err, pm.ErrIO) {
		t.Errorf("Inspect() missing file error = %v, want ErrIO", err)
	}
}

func TestPMApp_SetupKeys(t *testing.T) {
	t.Run("age key pair", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Encryption.Type = "age"
		a := newTestApp(t, cfg, 0)

		if err := a.SetupKeys("passphrase"); err != nil {
			t.Fatalf("SetupKeys() error = %v", err)
		}
		if _, err := os.Stat(cfg.Encryption.PublicKeyPath); err != nil {
			t.Errorf("public key not written: %v", err)
		}
	})

	t.Run("passphrase encryption has no keys", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Encryption.Type = "passphrase"
		a := newTestApp(t, cfg, 0)
		if err := a.SetupKeys("passphrase"); err == nil {
			t.Error("SetupKeys() expected error")
		}
	})
}
