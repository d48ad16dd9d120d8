package cryptoutil

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	secret := []byte("ed25519-seed-material")
	blob, err := enc.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(blob, secret) {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := enc.Decrypt(blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestEncryptProducesDistinctBlobs(t *testing.T) {
	enc, err := NewEncryptor([]byte("material"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("expected nonce to vary between calls")
	}
	pa, _ := enc.Decrypt(a)
	pb, _ := enc.Decrypt(b)
	if !bytes.Equal(pa, pb) {
		t.Fatal("plaintexts diverged")
	}
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	enc, err := NewEncryptor([]byte("material"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	blob, _ := enc.Encrypt([]byte("secret"))
	blob[len(blob)-1] ^= 0xff
	if _, err := enc.Decrypt(blob); err == nil {
		t.Fatal("expected tampered blob to fail")
	}
}

func TestNewEncryptorRequiresMaterial(t *testing.T) {
	if _, err := NewEncryptor(nil); err == nil {
		t.Fatal("expected error for empty material")
	}
}
