package crypto

// Envelope encryption for drop payloads.
//
// Layer 1 (always): AES-256-GCM under the per-drop server key, output
// nonce(12) || ct+tag. Even passwordless drops are never stored as
// cleartext.
//
// Layer 2 (only with a password): the layer-1 bytes are sealed again
// under a PBKDF2-derived key, output salt(16) || nonce(12) || ct+tag.
// The salt rides in the envelope so the read path can re-derive.
//
// Removing the password layer never weakens layer 1; the two keys are
// independent.

// Seal wraps plaintext for storage. An empty password produces a
// single-layer payload.
func Seal(plaintext, serverKey []byte, password string) ([]byte, error) {
	layer1, err := Encrypt(plaintext, serverKey)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return layer1, nil
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	key := DeriveKey(password, salt)
	defer wipe(key)
	layer2, err := Encrypt(layer1, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, SaltLen+len(layer2))
	out = append(out, salt...)
	out = append(out, layer2...)
	return out, nil
}

// Open reverses Seal. Failure at either layer surfaces as ErrDecrypt;
// the lifecycle layer decides whether that means a bad password (layer
// 2) or an integrity fault (layer 1).
func Open(payload, serverKey []byte, password string) ([]byte, error) {
	layer1 := payload
	if password != "" {
		if len(payload) < SaltLen+NonceLen {
			return nil, ErrDecrypt
		}
		salt := payload[:SaltLen]
		key := DeriveKey(password, salt)
		inner, err := Decrypt(payload[SaltLen:], key)
		wipe(key)
		if err != nil {
			return nil, err
		}
		layer1 = inner
	}
	return Decrypt(layer1, serverKey)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
