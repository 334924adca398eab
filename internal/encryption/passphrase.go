package encryption

import (
	"errors"
	"io"

	"filippo.io/age"

	"pm-go/internal/artifact"
	"pm-go/internal/pm"
)

// PassphraseEncryptor encrypts with a key derived from a passphrase (age scrypt
// recipient). There are no key files: the same passphrase decrypts.
type PassphraseEncryptor struct {
	passphrase string
	workFactor int
}

var _ pm.Encryptor = (*PassphraseEncryptor)(nil)

// NewPassphraseEncryptor returns an encryptor for passphrase.
// An empty passphrase leaves it unconfigured; it can still Unlock.
func NewPassphraseEncryptor(passphrase string) *PassphraseEncryptor {
	return &PassphraseEncryptor{passphrase: passphrase}
}

// SetWorkFactor sets the scrypt work factor (log2 N). Zero keeps age's default.
func (e *PassphraseEncryptor) SetWorkFactor(logN int) {
	e.workFactor = logN
}

// Setup sets the passphrase used by Encrypt.
func (e *PassphraseEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return errors.New("passphrase must not be empty")
	}
	e.passphrase = passphrase
	return nil
}

func (e *PassphraseEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if e.passphrase == "" {
		return errors.New("no passphrase set")
	}
	recipient, err := newScryptRecipient(e.passphrase, e.workFactor)
	if err != nil {
		return err
	}
	return encrypt(r, w, recipient)
}

// Unlock returns a context that decrypts with passphrase. A wrong passphrase is
// only detected by Decrypt.
func (e *PassphraseEncryptor) Unlock(passphrase string) (pm.DecryptionContext, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, err
	}
	return &AgeDecryptionContext{identity: identity, cipher: artifact.CipherAgeScrypt}, nil
}

func (e *PassphraseEncryptor) IsConfigured() bool {
	return e.passphrase != ""
}

func (e *PassphraseEncryptor) Cipher() artifact.Cipher {
	return artifact.CipherAgeScrypt
}
