package testutil

import (
	"pm-go/internal/encryption"
	"pm-go/internal/pm"
)

// NewTestEncryptor creates a fast, deterministic encryptor for testing.
// It detects modified payloads like a real cipher.
func NewTestEncryptor() pm.Encryptor {
	return encryption.NewTestEncryptor()
}

// NewTestDecryptor returns the decryption context matching NewTestEncryptor.
func NewTestDecryptor() pm.DecryptionContext {
	ctx, _ := encryption.NewTestEncryptor().Unlock("")
	return ctx
}

// NewPassphraseDecryptor returns a decryption context for passphrase-encrypted artifacts.
func NewPassphraseDecryptor(passphrase string) (pm.DecryptionContext, error) {
	return encryption.NewPassphraseEncryptor(passphrase).Unlock(passphrase)
}
