package encryption

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"pm-go/internal/artifact"
	"pm-go/internal/pm"
)

// testHeader is prepended to data by TestEncryptor to make encrypted output
// clearly different from plaintext while remaining deterministic and reversible.
var testHeader = []byte("PMTENC\x00\x00")

// TestEncryptor is a simple, deterministic encryptor for testing.
// It wraps the data in a fixed 8-byte header and a CRC-32 trailer. Output
// differs from plaintext and modified payloads are rejected, like a real
// authenticated cipher, but no key material or crypto work is involved.
type TestEncryptor struct {
	setupCalled bool
}

var _ pm.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	h := crc32.NewIEEE()
	if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Sum32()); err != nil {
		return fmt.Errorf("writing test trailer: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (pm.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

func (e *TestEncryptor) Cipher() artifact.Cipher {
	return artifact.CipherTest
}

// TestDecryptionContext reverses TestEncryptor. Nothing is written to w
// unless the checksum matches.
type TestDecryptionContext struct{}

var _ pm.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading ciphertext: %w", err)
	}
	if len(data) < len(testHeader)+4 || !bytes.HasPrefix(data, testHeader) {
		return errors.New("invalid test encryption header")
	}
	body := data[len(testHeader) : len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[len(data)-4:]) {
		return errors.New("test encryption checksum mismatch")
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (c *TestDecryptionContext) Cipher() artifact.Cipher {
	return artifact.CipherTest
}
