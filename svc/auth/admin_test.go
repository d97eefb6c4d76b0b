package auth

import (
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestAdminMintVerify(t *testing.T) {
	a, err := NewAdmin(testSecret)
	if err != nil {
		t.Fatalf("new admin: %v", err)
	}
	token := a.Mint(time.Hour)
	if err := a.Verify(token); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
}

func TestAdminExpiredToken(t *testing.T) {
	a, _ := NewAdmin(testSecret)
	token := a.Mint(-time.Minute)
	if err := a.Verify(token); err != ErrTokenExpired {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAdminForgedToken(t *testing.T) {
	a, _ := NewAdmin(testSecret)
	other, _ := NewAdmin([]byte("ffffffffffffffffffffffffffffffff"))
	token := other.Mint(time.Hour)
	if err := a.Verify(token); err != ErrTokenForged {
		t.Errorf("expected ErrTokenForged, got %v", err)
	}
}

func TestAdminMalformedToken(t *testing.T) {
	a, _ := NewAdmin(testSecret)
	for _, tok := range []string{"", "x", "!!!!", strings.Repeat("A", 100)} {
		if err := a.Verify(tok); err != ErrTokenMalformed {
			t.Errorf("token %q: expected ErrTokenMalformed, got %v", tok, err)
		}
	}
}

func TestAdminRotateInvalidatesTokens(t *testing.T) {
	a, _ := NewAdmin(testSecret)
	token := a.Mint(time.Hour)
	if err := a.Rotate([]byte("ffffffffffffffffffffffffffffffff")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := a.Verify(token); err != ErrTokenForged {
		t.Errorf("expected ErrTokenForged after rotate, got %v", err)
	}
	if err := a.Verify(a.Mint(time.Hour)); err != nil {
		t.Errorf("token under new secret rejected: %v", err)
	}
}

func TestAdminShortSecretRejected(t *testing.T) {
	if _, err := NewAdmin([]byte("short")); err == nil {
		t.Error("short secret accepted")
	}
}
