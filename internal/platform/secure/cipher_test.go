package secure

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewAESCipher_KeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 64} {
		if _, err := NewAESCipher(make([]byte, n)); err == nil {
			t.Errorf("expected error for %d-byte key", n)
		}
	}
	if _, err := NewAESCipher(generateTestKey(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewAESCipherFromHex(t *testing.T) {
	if _, err := NewAESCipherFromHex("not-hex"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := NewAESCipherFromHex(strings.Repeat("ab", 32)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAESCipher_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := NewAESCipher(generateTestKey(t))
	if err != nil {
		t.Fatalf("create cipher: %v", err)
	}

	for _, plaintext := range []string{"s3cret!", "", "pässwörd with unicode"} {
		enc, err := c.Encrypt(ctx, plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if plaintext != "" && enc == plaintext {
			t.Fatal("ciphertext should differ from plaintext")
		}
		dec, err := c.Decrypt(ctx, enc)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if dec != plaintext {
			t.Errorf("got %q, want %q", dec, plaintext)
		}
	}
}

func TestAESCipher_NonceIsRandom(t *testing.T) {
	ctx := context.Background()
	c, _ := NewAESCipher(generateTestKey(t))

	a, _ := c.Encrypt(ctx, "same")
	b, _ := c.Encrypt(ctx, "same")
	if a == b {
		t.Error("two encryptions of the same value should differ")
	}
}

func TestAESCipher_Tampered(t *testing.T) {
	ctx := context.Background()
	c, _ := NewAESCipher(generateTestKey(t))

	enc, _ := c.Encrypt(ctx, "password")
	data, _ := base64.StdEncoding.DecodeString(enc)
	data[len(data)-1] ^= 0xff
	if _, err := c.Decrypt(ctx, base64.StdEncoding.EncodeToString(data)); err == nil {
		t.Error("expected authentication failure for tampered ciphertext")
	}

	if _, err := c.Decrypt(ctx, base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for short ciphertext")
	}
	if _, err := c.Decrypt(ctx, "%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestAESCipher_WrongKey(t *testing.T) {
	ctx := context.Background()
	c1, _ := NewAESCipher(generateTestKey(t))
	c2, _ := NewAESCipher(generateTestKey(t))

	enc, _ := c1.Encrypt(ctx, "password")
	if _, err := c2.Decrypt(ctx, enc); err == nil {
		t.Error("expected error decrypting with a different key")
	}
}
