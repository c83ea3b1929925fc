package types

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// DefaultKeyBits is the RSA modulus size used for node keys.
const DefaultKeyBits = 2048

const pemBlockType = "RSA PRIVATE KEY"

var (
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidKeyPEM = errors.New("invalid key PEM")
	ErrInvalidDigest = errors.New("digest must be a SHA-256 hash")
	ErrSignFailed    = errors.New("signing failed")
)

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// PrivateKey is an RSA signing key together with its encoded public half.
type PrivateKey struct {
	key *rsa.PrivateKey
	pub PublicKey
}

// GenerateKey creates a new RSA key pair.
func GenerateKey(bits int) (*PrivateKey, error) {
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return NewPrivateKey(k), nil
}

// NewPrivateKey wraps an existing RSA key.
func NewPrivateKey(k *rsa.PrivateKey) *PrivateKey {
	return &PrivateKey{
		key: k,
		pub: PublicKey{Data: x509.MarshalPKCS1PublicKey(&k.PublicKey)},
	}
}

// PublicKey returns a copy of the encoded public key.
func (k *PrivateKey) PublicKey() PublicKey {
	return PublicKey{Data: copyBytes(k.pub.Data)}
}

// Sign produces an RSA-PSS signature over a SHA-256 digest.
func (k *PrivateKey) Sign(digest Hash) (Signature, error) {
	if len(digest.Data) != HashSize {
		return Signature{}, ErrInvalidDigest
	}
	sig, err := rsa.SignPSS(rand.Reader, k.key, crypto.SHA256, digest.Data, pssOptions)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return Signature{Data: sig}, nil
}

// MarshalPEM encodes the private key as a PKCS#1 PEM block.
func (k *PrivateKey) MarshalPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemBlockType,
		Bytes: x509.MarshalPKCS1PrivateKey(k.key),
	})
}

// ParsePrivateKeyPEM decodes a PKCS#1 PEM private key.
func ParsePrivateKeyPEM(data []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, ErrInvalidKeyPEM
	}
	k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
	}
	return NewPrivateKey(k), nil
}

// VerifySignature checks an RSA-PSS signature over a SHA-256 digest.
// Malformed keys, digests or signatures verify as false.
func VerifySignature(pubKey PublicKey, digest Hash, sig Signature) bool {
	if len(digest.Data) != HashSize || len(sig.Data) == 0 || len(sig.Data) > MaxSignatureSize {
		return false
	}
	pk, err := parseRSAPublicKey(pubKey.Data)
	if err != nil {
		return false
	}
	return rsa.VerifyPSS(pk, crypto.SHA256, digest.Data, sig.Data, pssOptions) == nil
}

func parseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 || len(data) > MaxPublicKeySize {
		return nil, ErrInvalidKey
	}
	pk, err := x509.ParsePKCS1PublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pk, nil
}
