package crypto

import (
	"errors"
	"strings"
	"testing"
)

func newTestCipher(t *testing.T) *FieldCipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := New(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt("ssh-key-material")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(sealed, "gcm:") {
		t.Errorf("expected gcm: envelope, got %q", sealed)
	}
	if strings.Contains(sealed, "ssh-key-material") {
		t.Error("ciphertext contains plaintext")
	}

	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "ssh-key-material" {
		t.Errorf("round trip mismatch: %q", plain)
	}
}

func TestEncryptEmptyStaysEmpty(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Encrypt("")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed != "" {
		t.Errorf("expected empty ciphertext, got %q", sealed)
	}
	plain, err := c.Decrypt("")
	if err != nil || plain != "" {
		t.Errorf("expected empty round trip, got %q, %v", plain, err)
	}
}

func TestDecryptRejectsMalformed(t *testing.T) {
	c := newTestCipher(t)
	for _, input := range []string{"plaintext", "gcm:!!!", "gcm:AAAA"} {
		if _, err := c.Decrypt(input); !errors.Is(err, ErrMalformedCiphertext) {
			t.Errorf("%q: expected ErrMalformedCiphertext, got %v", input, err)
		}
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	a := newTestCipher(t)
	b := newTestCipher(t)

	sealed, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("expected decryption with wrong key to fail")
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := NewFromKey([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	c := newTestCipher(t)
	one, _ := c.Encrypt("same value")
	two, _ := c.Encrypt("same value")
	if one == two {
		t.Error("expected distinct ciphertexts for repeated plaintext")
	}
}
