package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the expected size of a hash in bytes
const HashSize = 32

// MaxSignatureSize bounds signatures accepted from untrusted input (RSA-8192).
const MaxSignatureSize = 1024

// MaxPublicKeySize bounds DER-encoded public keys accepted from untrusted input.
const MaxPublicKeySize = 2048

// Hash is a SHA-256 digest.
type Hash struct {
	Data []byte
}

// Signature is an RSA-PSS signature over a Hash.
type Signature struct {
	Data []byte
}

// PublicKey is the PKCS#1 DER encoding of an RSA public key.
// A public key doubles as the account address.
type PublicKey struct {
	Data []byte
}

// NewHash creates a Hash from bytes, returning error if invalid.
// Use for untrusted input (network, files).
// The input is copied so callers cannot mutate the result.
func NewHash(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copied := make([]byte, HashSize)
	copy(copied, data)
	return Hash{Data: copied}, nil
}

// MustNewHash creates a Hash, panicking if invalid.
// Use only for trusted internal data.
func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes SHA-256 hash of data
func HashBytes(data []byte) Hash {
	h := sha256.Sum256(data)
	return Hash{Data: h[:]}
}

// HashEmpty returns the all-zero hash. It is the parent hash of the genesis block.
func HashEmpty() Hash {
	return Hash{Data: make([]byte, HashSize)}
}

// IsHashEmpty returns true if hash is nil or all zeros
func IsHashEmpty(h *Hash) bool {
	if h == nil {
		return true
	}
	for _, b := range h.Data {
		if b != 0 {
			return false
		}
	}
	return true
}

// HashEqual compares two hashes
func HashEqual(a, b Hash) bool {
	return bytes.Equal(a.Data, b.Data)
}

// HashString returns hex-encoded hash
func HashString(h Hash) string {
	return hex.EncodeToString(h.Data)
}

// ParseHash decodes a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	return NewHash(b)
}

func (h Hash) String() string { return HashString(h) }

// MarshalText encodes the hash as lowercase hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h.Data)), nil
}

// UnmarshalText decodes a hex hash. The empty string yields an empty hash.
func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	h.Data = b
	return nil
}

// NewSignature creates a Signature from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func NewSignature(data []byte) (Signature, error) {
	if len(data) == 0 {
		return Signature{}, fmt.Errorf("signature is empty")
	}
	if len(data) > MaxSignatureSize {
		return Signature{}, fmt.Errorf("signature too large: %d > %d", len(data), MaxSignatureSize)
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return Signature{Data: copied}, nil
}

// MarshalText encodes the signature as lowercase hex.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s.Data)), nil
}

// UnmarshalText decodes a hex signature.
func (s *Signature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	s.Data = b
	return nil
}

// NewPublicKey creates a PublicKey from bytes, returning error if the bytes
// are not a PKCS#1 RSA public key.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) == 0 {
		return PublicKey{}, fmt.Errorf("public key is empty")
	}
	if len(data) > MaxPublicKeySize {
		return PublicKey{}, fmt.Errorf("public key too large: %d > %d", len(data), MaxPublicKeySize)
	}
	if _, err := parseRSAPublicKey(data); err != nil {
		return PublicKey{}, err
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return PublicKey{Data: copied}, nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
// Use only for trusted internal data.
func MustNewPublicKey(data []byte) PublicKey {
	p, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePublicKey decodes and validates a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key hex: %w", err)
	}
	return NewPublicKey(b)
}

// PublicKeyEqual compares two public keys
func PublicKeyEqual(a, b PublicKey) bool {
	return bytes.Equal(a.Data, b.Data)
}

// PublicKeyString returns hex-encoded public key
func PublicKeyString(p PublicKey) string {
	return hex.EncodeToString(p.Data)
}

// IsEmpty reports whether the key has no bytes. Only genesis mints have an empty sender.
func (p PublicKey) IsEmpty() bool { return len(p.Data) == 0 }

// Key returns the raw key bytes as a string for use as a map key.
func (p PublicKey) Key() string { return string(p.Data) }

func (p PublicKey) String() string { return PublicKeyString(p) }

// Short returns an abbreviated hex form for logs.
func (p PublicKey) Short() string {
	s := PublicKeyString(p)
	if len(s) <= 16 {
		return s
	}
	// DER prefix is shared by all keys of one size; the modulus tail is not
	return s[len(s)-16:]
}

// MarshalText encodes the key as lowercase hex.
func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p.Data)), nil
}

// UnmarshalText decodes a hex key. Validation happens at verification time.
func (p *PublicKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid public key hex: %w", err)
	}
	p.Data = b
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
