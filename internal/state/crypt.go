package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// saltLen is the per-record random salt length.
	saltLen = 16
)

// deriveKey derives a 32-byte key from password and salt using scrypt.
// The password is normalized to NFKC first.
func deriveKey(password secret.Value, salt []byte) ([]byte, error) {
	pw := []byte(norm.NFKC.String(password.Reveal()))
	defer clear(pw)

	key, err := scrypt.Key(pw, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving key: %v", apperrors.ErrCrypto, err)
	}

	return key, nil
}

// seal encrypts plaintext under password with a fresh salt. name is
// bound as associated data so a record cannot be moved to another key.
// Output is the salt and [12-byte nonce][ciphertext+tag].
func seal(password secret.Value, name string, plaintext []byte) ([]byte, []byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("%w: generating salt: %v", apperrors.ErrCrypto, err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: generating nonce: %v", apperrors.ErrCrypto, err)
	}

	return salt, gcm.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func open(password secret.Value, name string, salt, data []byte) ([]byte, error) {
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", apperrors.ErrCrypto, len(data))
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong password or corrupted record for %q", apperrors.ErrCrypto, name)
	}

	return plaintext, nil
}

func newGCM(password secret.Value, salt []byte) (cipher.AEAD, error) {
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating AES cipher: %v", apperrors.ErrCrypto, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", apperrors.ErrCrypto, err)
	}

	return gcm, nil
}
