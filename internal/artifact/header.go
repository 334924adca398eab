// Package artifact implements the export artifact file format: a fixed outer
// header, followed by an encrypted payload holding a copy of the header and the
// compressed JSON-lines envelope.
package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of the outer header in bytes.
	HeaderSize = 16

	// FormatVersion is the only artifact format version this build reads and writes.
	FormatVersion uint16 = 1
)

var magic = [6]byte{'P', 'M', 'X', 'A', 'R', 'T'}

var (
	// ErrNotArtifact is returned when the input does not start with the artifact magic.
	ErrNotArtifact = errors.New("not a pm artifact")

	// ErrUnsupportedVersion is returned for artifacts written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported artifact format version")

	// ErrMalformed is returned for artifacts whose header or envelope is inconsistent.
	ErrMalformed = errors.New("malformed artifact")
)

// Cipher identifies how the payload was encrypted.
type Cipher uint8

const (
	CipherAgeScrypt Cipher = 1   // age, passphrase (scrypt) recipient
	CipherAgeX25519 Cipher = 2   // age, X25519 key pair
	CipherTest      Cipher = 255 // unauthenticated, tests only
)

func (c Cipher) String() string {
	switch c {
	case CipherAgeScrypt:
		return "age-scrypt"
	case CipherAgeX25519:
		return "age-x25519"
	case CipherTest:
		return "test"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Known reports whether this build can open payloads encrypted with c.
func (c Cipher) Known() bool {
	return c == CipherAgeScrypt || c == CipherAgeX25519 || c == CipherTest
}

// Compression identifies the envelope compression codec.
type Compression uint8

const (
	CompressionGzip Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Known reports whether c is a supported codec.
func (c Compression) Known() bool {
	return c == CompressionGzip || c == CompressionZstd
}

// ParseCompression converts a config or flag value into a Compression.
// The empty string selects zstd.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (supported: zstd, gzip)", s)
	}
}

// Header is the plaintext outer header of an artifact.
//
// Layout (big-endian):
//
//	magic "PMXART" (6) | version u16 | cipher u8 | compression u8 | reserved u16 | schema version u32
type Header struct {
	Version       uint16
	Cipher        Cipher
	Compression   Compression
	SchemaVersion uint32
}

// NewHeader returns a header for the current format version.
func NewHeader(cipher Cipher, compression Compression, schemaVersion uint) Header {
	return Header{
		Version:       FormatVersion,
		Cipher:        cipher,
		Compression:   compression,
		SchemaVersion: uint32(schemaVersion),
	}
}

// MarshalBinary encodes the header into its 16-byte form.
func (h Header) MarshalBinary() ([]byte, error) {
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !h.Cipher.Known() {
		return nil, fmt.Errorf("unknown cipher %s", h.Cipher)
	}
	if !h.Compression.Known() {
		return nil, fmt.Errorf("unknown compression %s", h.Compression)
	}

	b := make([]byte, HeaderSize)
	copy(b[0:6], magic[:])
	binary.BigEndian.PutUint16(b[6:8], h.Version)
	b[8] = byte(h.Cipher)
	b[9] = byte(h.Compression)
	// b[10:12] reserved, zero
	binary.BigEndian.PutUint32(b[12:16], h.SchemaVersion)
	return b, nil
}

// UnmarshalBinary decodes and validates a 16-byte header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize || !bytes.Equal(b[0:6], magic[:]) {
		return ErrNotArtifact
	}
	version := binary.BigEndian.Uint16(b[6:8])
	if version != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	cipher := Cipher(b[8])
	if !cipher.Known() {
		return fmt.Errorf("%w: unknown cipher %s", ErrMalformed, cipher)
	}
	compression := Compression(b[9])
	if !compression.Known() {
		return fmt.Errorf("%w: unknown compression %s", ErrMalformed, compression)
	}
	if b[10] != 0 || b[11] != 0 {
		return fmt.Errorf("%w: reserved header bytes are not zero", ErrMalformed)
	}

	*h = Header{
		Version:       version,
		Cipher:        cipher,
		Compression:   compression,
		SchemaVersion: binary.BigEndian.Uint32(b[12:16]),
	}
	return nil
}

// ReadHeader reads and validates the outer header from r.
// A file shorter than the header is reported as ErrNotArtifact.
func ReadHeader(r io.Reader) (Header, []byte, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, ErrNotArtifact
		}
		return Header{}, nil, fmt.Errorf("reading header: %w", err)
	}
	var h Header
	if err := h.UnmarshalBinary(raw); err != nil {
		return Header{}, nil, err
	}
	return h, raw, nil
}
