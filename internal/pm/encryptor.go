package pm

import (
	"io"

	"pm-go/internal/artifact"
)

// Encryptor seals artifact payloads.
// Key-pair encryptors encrypt with the public key only; passphrase encryptors
// derive the key from a passphrase supplied at construction.
type Encryptor interface {
	// Setup performs one-time key generation. Called during `pm keys init`.
	// Generates a key pair, stores the public key in plaintext, and encrypts
	// the private key with the provided passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock returns a DecryptionContext for the given passphrase.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether the encryptor can encrypt without further setup.
	IsConfigured() bool

	// Cipher identifies the encryption scheme recorded in the artifact header.
	Cipher() artifact.Cipher
}

// DecryptionContext holds unlocked key material in memory for one import.
// Decrypt must authenticate the payload: a tampered payload or wrong key is an error.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
	Cipher() artifact.Cipher
}
