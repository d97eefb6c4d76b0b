package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte("hello envelope")

	payload, err := Seal(plaintext, key, "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(payload, plaintext) {
		t.Fatal("payload contains plaintext")
	}
	got, err := Open(payload, key, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestSealOpenWithPassword(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte("double wrapped")

	payload, err := Seal(plaintext, key, "hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(payload, key, "hunter2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestOpenWrongPassword(t *testing.T) {
	key, _ := GenerateKey()
	payload, err := Seal([]byte("secret"), key, "right")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(payload, key, "wrong"); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt for wrong password, got %v", err)
	}
	// Missing password on a protected payload must also fail, never
	// silently return wrong bytes.
	if _, err := Open(payload, key, ""); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt for missing password, got %v", err)
	}
}

func TestOpenWrongServerKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	payload, err := Seal([]byte("secret"), key, "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(payload, other, ""); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt for wrong server key, got %v", err)
	}
}

func TestOpenTamperedPayload(t *testing.T) {
	key, _ := GenerateKey()
	payload, err := Seal([]byte("secret"), key, "pw")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	payload[len(payload)-1] ^= 0xFF
	if _, err := Open(payload, key, "pw"); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt for tampered payload, got %v", err)
	}
}

func TestOpenTruncatedPayload(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := Open([]byte{1, 2, 3}, key, "pw"); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt for truncated payload, got %v", err)
	}
	if _, err := Open(nil, key, ""); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt for empty payload, got %v", err)
	}
}

func TestSealBinaryPayload(t *testing.T) {
	key, _ := GenerateKey()
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = byte(i % 251)
	}
	payload, err := Seal(raw, key, "filepw")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(payload, key, "filepw")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("binary round trip mismatch")
	}
}
