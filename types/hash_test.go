package types

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewHash(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}

	h, err := NewHash(data)
	if err != nil {
		t.Fatalf("NewHash failed: %v", err)
	}
	if !bytes.Equal(h.Data, data) {
		t.Error("hash data mismatch")
	}

	// Input is copied
	data[0] = 0xff
	if h.Data[0] == 0xff {
		t.Error("NewHash should copy its input")
	}
}

func TestNewHashError(t *testing.T) {
	_, err := NewHash(make([]byte, 16))
	if err == nil {
		t.Error("expected error for wrong size")
	}
}

func TestMustNewHashPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for wrong size")
		}
	}()
	MustNewHash(make([]byte, 16))
}

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h := HashBytes(data)

	if len(h.Data) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(h.Data))
	}

	h2 := HashBytes(data)
	if !HashEqual(h, h2) {
		t.Error("same input should produce same hash")
	}

	h3 := HashBytes([]byte("different"))
	if HashEqual(h, h3) {
		t.Error("different input should produce different hash")
	}
}

func TestHashEmpty(t *testing.T) {
	h := HashEmpty()
	if len(h.Data) != HashSize {
		t.Fatalf("expected %d bytes, got %d", HashSize, len(h.Data))
	}
	if !IsHashEmpty(&h) {
		t.Error("zero hash should be empty")
	}
	if !IsHashEmpty(nil) {
		t.Error("nil hash should be empty")
	}
	nonZero := HashBytes([]byte("x"))
	if IsHashEmpty(&nonZero) {
		t.Error("non-zero hash should not be empty")
	}
}

func TestHashTextRoundTrip(t *testing.T) {
	h := HashBytes([]byte("block"))

	text, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(text) != `"`+HashString(h)+`"` {
		t.Errorf("expected hex string, got %s", text)
	}

	var decoded Hash
	if err := json.Unmarshal(text, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !HashEqual(h, decoded) {
		t.Error("hash changed across JSON round trip")
	}

	parsed, err := ParseHash(HashString(h))
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if !HashEqual(h, parsed) {
		t.Error("ParseHash mismatch")
	}

	if _, err := ParseHash("zz"); err == nil {
		t.Error("expected error for bad hex")
	}
}

func TestNewSignature(t *testing.T) {
	if _, err := NewSignature(nil); err == nil {
		t.Error("expected error for empty signature")
	}
	if _, err := NewSignature(make([]byte, MaxSignatureSize+1)); err == nil {
		t.Error("expected error for oversized signature")
	}
	sig, err := NewSignature([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("NewSignature: %v", err)
	}
	if len(sig.Data) != 3 {
		t.Errorf("expected 3 bytes, got %d", len(sig.Data))
	}
}

func TestNewPublicKey(t *testing.T) {
	key := testKey(t, 0)
	pub := key.PublicKey()

	pk, err := NewPublicKey(pub.Data)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	if !PublicKeyEqual(pk, pub) {
		t.Error("public key mismatch")
	}

	if _, err := NewPublicKey([]byte("not a key")); err == nil {
		t.Error("expected error for garbage key")
	}
	if _, err := NewPublicKey(nil); err == nil {
		t.Error("expected error for empty key")
	}

	parsed, err := ParsePublicKey(PublicKeyString(pub))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !PublicKeyEqual(parsed, pub) {
		t.Error("ParsePublicKey mismatch")
	}
}

func TestPublicKeyEqual(t *testing.T) {
	a := testKey(t, 0).PublicKey()
	b := testKey(t, 1).PublicKey()

	if !PublicKeyEqual(a, a) {
		t.Error("key should equal itself")
	}
	if PublicKeyEqual(a, b) {
		t.Error("distinct keys should not be equal")
	}
	if a.Key() == b.Key() {
		t.Error("distinct keys should have distinct map keys")
	}
}
