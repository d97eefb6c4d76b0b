package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrTokenMalformed = errors.New("admin token malformed")
	ErrTokenForged    = errors.New("admin token signature invalid")
	ErrTokenExpired   = errors.New("admin token expired")
)

// Admin verifies signed admin tokens. A token is
// base64url(expiry(8) || hmac-sha256(secret, "admin" || expiry)):
// stateless, expiring, and verifiable without any session store.
type Admin struct {
	mu     sync.RWMutex
	secret []byte
}

func NewAdmin(secret []byte) (*Admin, error) {
	if len(secret) < 32 {
		return nil, errors.New("admin secret must be at least 32 bytes")
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return &Admin{secret: cp}, nil
}

// Mint issues a token valid for the given duration. Exposed for the
// operator CLI path and for tests.
func (a *Admin) Mint(validFor time.Duration) string {
	a.mu.RLock()
	secret := a.secret
	a.mu.RUnlock()

	expiry := time.Now().Add(validFor).Unix()
	payload := make([]byte, 8, 40)
	binary.BigEndian.PutUint64(payload, uint64(expiry))
	payload = append(payload, sign(secret, payload[:8])...)
	return base64.RawURLEncoding.EncodeToString(payload)
}

// Verify returns nil only for a well-formed, unexpired token with a
// valid signature. The signature is always checked before the expiry
// so all failures take comparable time.
func (a *Admin) Verify(token string) error {
	a.mu.RLock()
	secret := a.secret
	a.mu.RUnlock()

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(decoded) != 40 {
		return ErrTokenMalformed
	}
	expiryBytes := decoded[:8]
	providedMAC := decoded[8:]
	expectedMAC := sign(secret, expiryBytes)
	if subtle.ConstantTimeCompare(providedMAC, expectedMAC) != 1 {
		return ErrTokenForged
	}
	expiry := int64(binary.BigEndian.Uint64(expiryBytes))
	if time.Now().Unix() > expiry {
		return ErrTokenExpired
	}
	return nil
}

// Rotate swaps the signing secret; outstanding tokens become invalid.
func (a *Admin) Rotate(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("admin secret must be at least 32 bytes")
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	a.mu.Lock()
	old := a.secret
	a.secret = cp
	a.mu.Unlock()
	for i := range old {
		old[i] = 0
	}
	return nil
}

func sign(secret, expiryBytes []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("admin"))
	mac.Write(expiryBytes)
	return mac.Sum(nil)
}
