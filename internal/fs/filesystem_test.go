package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOSFilesystemManager_CheckWritable(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.pmx")
	if err := os.WriteFile(existing, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "file")
	os.WriteFile(file, nil, 0600)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "new file", path: filepath.Join(dir, "new.pmx")},
		{name: "existing file", path: existing},
		{name: "missing directory", path: filepath.Join(dir, "missing", "a.pmx"), wantErr: true},
		{name: "parent is a file", path: filepath.Join(file, "a.pmx"), wantErr: true},
		{name: "path is a directory", path: dir, wantErr: true},
	}

	m := NewOSFilesystemManager()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.CheckWritable(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckWritable() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	// The check file is removed.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".pm-check-") {
			t.Errorf("check file left behind: %s", e.Name())
		}
	}
}

func TestOSFilesystemManager_Open(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.pmx")
	os.WriteFile(path, []byte("artifact"), 0600)

	m := NewOSFilesystemManager()
	rc, size, err := m.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	if size != 8 {
		t.Errorf("size = %d, want 8", size)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "artifact" {
		t.Errorf("content = %q", data)
	}

	if _, _, err := m.Open(dir); err == nil {
		t.Error("Open(dir) expected error")
	}
	if _, _, err := m.Open(filepath.Join(dir, "missing.pmx")); err == nil {
		t.Error("Open(missing) expected error")
	}
}

func TestOSFilesystemManager_WriteAtomic(t *testing.T) {
	t.Run("writes and replaces", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.pmx")
		os.WriteFile(path, []byte("old"), 0644)

		n, err := NewOSFilesystemManager().WriteAtomic(path, strings.NewReader("new content"))
		if err != nil {
			t.Fatalf("WriteAtomic() error = %v", err)
		}
		if n != 11 {
			t.Errorf("written = %d, want 11", n)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "new content" {
			t.Errorf("content = %q", data)
		}
		info, _ := os.Stat(path)
		if info.Mode().Perm() != artifactPerm {
			t.Errorf("mode = %v, want %v", info.Mode().Perm(), os.FileMode(artifactPerm))
		}
		assertNoTempFiles(t, dir)
	})

	t.Run("failed write keeps previous file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.pmx")
		os.WriteFile(path, []byte("old"), 0600)

		r := io.MultiReader(strings.NewReader("partial"), errReader{})
		if _, err := NewOSFilesystemManager().WriteAtomic(path, r); err == nil {
			t.Fatal("WriteAtomic() expected error")
		}
		data, _ := os.ReadFile(path)
		if string(data) != "old" {
			t.Errorf("content after failed write = %q, want old", data)
		}
		assertNoTempFiles(t, dir)
	})

	t.Run("failed write leaves no file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.pmx")
		if _, err := NewOSFilesystemManager().WriteAtomic(path, errReader{}); err == nil {
			t.Fatal("WriteAtomic() expected error")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("file exists after failed write: %v", err)
		}
		assertNoTempFiles(t, dir)
	})
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
