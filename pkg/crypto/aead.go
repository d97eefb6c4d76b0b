package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

const NonceLen = 12

// ErrDecrypt covers every authentication failure: wrong key, wrong
// password, truncated or tampered ciphertext. Callers cannot and must
// not distinguish which.
var ErrDecrypt = errors.New("aead: decryption failed")

// Encrypt seals plaintext with AES-256-GCM. The random 12-byte nonce
// is prefixed to the output so decryption is self-contained:
// nonce(12) || ciphertext+tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed AES-256-GCM envelope. It fails rather
// than returning garbage when the tag does not verify.
func Decrypt(data, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < NonceLen {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := data[:NonceLen], data[NonceLen:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, errors.Errorf("aead: key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "new gcm")
	}
	return aead, nil
}
