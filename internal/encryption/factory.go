package encryption

import (
	"fmt"

	"pm-go/internal/artifact"
	"pm-go/internal/config"
	"pm-go/internal/pm"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// A "passphrase" encryptor starts without a passphrase; call Setup before exporting.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (pm.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "passphrase":
		return NewPassphraseEncryptor(""), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

// UnlockFor returns a DecryptionContext for artifacts sealed with cipher.
// Key-pair artifacts unlock the configured private key with passphrase;
// passphrase artifacts use it directly.
func UnlockFor(cipher artifact.Cipher, cfg config.EncryptionConfig, passphrase string) (pm.DecryptionContext, error) {
	switch cipher {
	case artifact.CipherAgeX25519:
		return NewAgeEncryptor(cfg).Unlock(passphrase)
	case artifact.CipherAgeScrypt:
		return NewPassphraseEncryptor("").Unlock(passphrase)
	case artifact.CipherTest:
		return NewTestEncryptor().Unlock(passphrase)
	default:
		return nil, fmt.Errorf("unsupported cipher %s", cipher)
	}
}

// NeedsPassphrase reports whether unlocking cipher requires a passphrase.
func NeedsPassphrase(cipher artifact.Cipher) bool {
	return cipher != artifact.CipherTest
}
