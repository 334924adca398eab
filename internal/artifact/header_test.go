package artifact

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeader_RoundTrip(t *testing.T) {
	h := NewHeader(CipherAgeX25519, CompressionZstd, 3)

	raw, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	if len(raw) != HeaderSize {
		t.Fatalf("len = %d, want %d", len(raw), HeaderSize)
	}
	if !bytes.HasPrefix(raw, []byte("PMXART")) {
		t.Errorf("header does not start with magic: %x", raw)
	}

	got, gotRaw, err := ReadHeader(bytes.NewReader(append(raw, 0xAA, 0xBB)))
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if got != h {
		t.Errorf("ReadHeader() = %+v, want %+v", got, h)
	}
	if !bytes.Equal(gotRaw, raw) {
		t.Errorf("raw = %x, want %x", gotRaw, raw)
	}
}

func TestReadHeader_Rejects(t *testing.T) {
	valid, err := NewHeader(CipherTest, CompressionGzip, 1).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	mutate := func(i int, b byte) []byte {
		c := bytes.Clone(valid)
		c[i] = b
		return c
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, ErrNotArtifact},
		{"short", valid[:10], ErrNotArtifact},
		{"bad magic", mutate(0, 'X'), ErrNotArtifact},
		{"future version", mutate(7, 2), ErrUnsupportedVersion},
		{"unknown cipher", mutate(8, 9), ErrMalformed},
		{"unknown compression", mutate(9, 7), ErrMalformed},
		{"reserved set", mutate(11, 1), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadHeader(bytes.NewReader(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeader_MarshalRejectsUnknownIDs(t *testing.T) {
	if _, err := NewHeader(Cipher(7), CompressionZstd, 1).MarshalBinary(); err == nil {
		t.Error("MarshalBinary() with unknown cipher expected error")
	}
	if _, err := NewHeader(CipherTest, Compression(0), 1).MarshalBinary(); err == nil {
		t.Error("MarshalBinary() with unknown compression expected error")
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionZstd, "zstd": CompressionZstd, "gzip": CompressionGzip} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseCompression("lz4"); err == nil {
		t.Error("ParseCompression(lz4) expected error")
	}
}
