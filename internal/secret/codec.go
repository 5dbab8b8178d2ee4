package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

const (
	// memoryKeyLen is the length of the per-process master key.
	memoryKeyLen = 32

	// hkdfKeyLen is the output length for per-name subkeys.
	hkdfKeyLen = 32
)

var codecInfo = []byte("oidc-agent memory secret")

// Codec encrypts cached secrets with AES-GCM. Each name gets its own
// subkey, HKDF(ikm=masterKey, salt=NFKC(name)), so recovering one
// subkey exposes a single entry.
type Codec struct {
	master []byte
}

// NewCodec creates a codec with a fresh random master key. The key
// lives only in this process; ciphertexts do not survive a restart.
func NewCodec() (*Codec, error) {
	master := make([]byte, memoryKeyLen)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generating memory key: %w", err)
	}

	return &Codec{master: master}, nil
}

// NewCodecWithKey creates a codec from an existing master key.
func NewCodecWithKey(key []byte) (*Codec, error) {
	if len(key) != memoryKeyLen {
		return nil, fmt.Errorf("%w: invalid key length %d: expected %d bytes", apperrors.ErrCrypto, len(key), memoryKeyLen)
	}

	return &Codec{master: FromBytes(key).b}, nil
}

// Encrypt returns [12-byte nonce][ciphertext+tag] for plain, keyed by name.
func (c *Codec) Encrypt(plain Value, name string) (Value, error) {
	if !plain.IsSet() || name == "" {
		return Value{}, fmt.Errorf("%w: encrypt needs a secret and a name", apperrors.ErrArgument)
	}

	name = norm.NFKC.String(name)

	gcm, err := c.aead(name)
	if err != nil {
		return Value{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Value{}, fmt.Errorf("%w: generating nonce: %v", apperrors.ErrCrypto, err)
	}

	out := gcm.Seal(nonce, nonce, plain.b, []byte(name))

	return Value{b: out}, nil
}

// Decrypt reverses Encrypt. A ciphertext produced for a different name
// fails authentication.
func (c *Codec) Decrypt(crypt Value, name string) (Value, error) {
	if !crypt.IsSet() || name == "" {
		return Value{}, fmt.Errorf("%w: decrypt needs a ciphertext and a name", apperrors.ErrArgument)
	}

	name = norm.NFKC.String(name)

	gcm, err := c.aead(name)
	if err != nil {
		return Value{}, err
	}

	nonceSize := gcm.NonceSize()
	if crypt.Len() < nonceSize+gcm.Overhead() {
		return Value{}, fmt.Errorf("%w: ciphertext too short: %d bytes", apperrors.ErrCrypto, crypt.Len())
	}

	plain, err := gcm.Open(nil, crypt.b[:nonceSize], crypt.b[nonceSize:], []byte(name))
	if err != nil {
		return Value{}, fmt.Errorf("%w: decrypting secret for %q: %v", apperrors.ErrCrypto, name, err)
	}

	return Value{b: plain}, nil
}

func (c *Codec) aead(name string) (cipher.AEAD, error) {
	key, err := hkdfDeriveKey(c.master, []byte(name), codecInfo, hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving key: %v", apperrors.ErrCrypto, err)
	}
	defer subtle.ConstantTimeCopy(1, key, make([]byte, len(key)))

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

// Wipe overwrites the master key. Ciphertexts produced before the wipe
// can no longer be decrypted.
func (c *Codec) Wipe() {
	for i := range c.master {
		c.master[i] = 0
	}
}

// hkdfDeriveKey derives keyLen bytes using HKDF-SHA256 with the given IKM,
// salt, and info parameters.
func hkdfDeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}
