package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2-HMAC-SHA256 parameters. Iterations must stay stable for
	// existing records to remain decryptable; bump only with a format
	// version change.
	Iterations = 100_000
	SaltLen    = 16
	KeyLen     = 32
)

// DeriveKey derives a 256-bit AES key from a password and salt. It is
// deterministic for a given (password, salt) pair, which the decrypt
// path relies on.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha256.New)
}

func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	return salt, nil
}

// GenerateKey returns a fresh random 256-bit key. Used for the
// mandatory server-side encryption layer, one key per drop.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return key, nil
}

// HashPassword produces an encoded verification hash. This is a
// derivation separate from DeriveKey (fresh salt, own output) so the
// stored hash shares no material with the encryption key.
func HashPassword(password string) (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	hash := pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha256.New)
	return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s$%s",
		Iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword re-derives from the encoded salt and compares in
// constant time. A malformed encoded hash verifies as false, never as
// an error, so callers report a uniform "incorrect password".
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "pbkdf2-sha256" {
		return false
	}
	var iter int
	if _, err := fmt.Sscanf(parts[2], "i=%d", &iter); err != nil || iter <= 0 || iter > 10_000_000 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(salt) == 0 {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(hash) == 0 {
		return false
	}
	computed := pbkdf2.Key([]byte(password), salt, iter, len(hash), sha256.New)
	return subtle.ConstantTimeCompare(hash, computed) == 1
}
