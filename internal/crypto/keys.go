package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

// PublicSigningKey is a raw Ed25519 public key tagged with the role it
// belongs to.
type PublicSigningKey[R Role] struct {
	Key [PublicKeyLen]byte
}

// PublicEncryptionKey is a raw X25519 public key tagged with the role it
// belongs to.
type PublicEncryptionKey[R Role] struct {
	Key [PublicKeyLen]byte
}

// Certificate is the parent's attestation of a child key: an expiry and an
// Ed25519 signature over the canonical certificateData preimage.
type Certificate struct {
	NotValidAfter time.Time
	Signature     [ed25519.SignatureSize]byte
}

// IsNotValidAfter reports whether the certificate has expired as of now.
func (c Certificate) IsNotValidAfter(now time.Time) bool {
	return now.After(c.NotValidAfter)
}

// SignedPublicSigningKey is a PublicSigningKey plus the certificate a parent
// key issued for it. Values of this type are only ever produced by Sign or
// by Verify — never by decoding wire data directly, which instead produces
// an UntrustedSignedPublicSigningKey.
type SignedPublicSigningKey[R Role] struct {
	Key         PublicSigningKey[R]
	Certificate Certificate
}

// SignedPublicEncryptionKey is the encryption-key analogue of
// SignedPublicSigningKey.
type SignedPublicEncryptionKey[R Role] struct {
	Key         PublicEncryptionKey[R]
	Certificate Certificate
}

// UntrustedSignedPublicSigningKey is what wire/disk decoding produces: a key
// and a certificate that have not yet been checked against a parent key. The
// only way to obtain a SignedPublicSigningKey from one of these is Verify.
type UntrustedSignedPublicSigningKey[R Role] struct {
	Key         PublicSigningKey[R]
	Certificate Certificate
}

// UntrustedSignedPublicEncryptionKey is the encryption-key analogue of
// UntrustedSignedPublicSigningKey.
type UntrustedSignedPublicEncryptionKey[R Role] struct {
	Key         PublicEncryptionKey[R]
	Certificate Certificate
}

// SigningKeyPair is an Ed25519 key pair tagged with its role. The secret
// field is never serialized by the wire-facing codecs in package pki; only
// internal/pki/diskformat writes it, and only to the local vault file for
// the role that owns it.
type SigningKeyPair[R Role] struct {
	Public PublicSigningKey[R]
	Secret ed25519.PrivateKey
}

// EncryptionKeyPair is an X25519 key pair tagged with its role.
type EncryptionKeyPair[R Role] struct {
	Public PublicEncryptionKey[R]
	Secret [PublicKeyLen]byte
}

// SignedSigningKeyPair bundles a SigningKeyPair with the certificate its
// parent issued for the public half.
type SignedSigningKeyPair[R Role] struct {
	KeyPair     SigningKeyPair[R]
	Certificate Certificate
}

// SignedEncryptionKeyPair is the encryption-key analogue of
// SignedSigningKeyPair.
type SignedEncryptionKeyPair[R Role] struct {
	KeyPair     EncryptionKeyPair[R]
	Certificate Certificate
}

// PublicKey returns the signed public half of the pair.
func (p SignedSigningKeyPair[R]) PublicKey() SignedPublicSigningKey[R] {
	return SignedPublicSigningKey[R]{Key: p.KeyPair.Public, Certificate: p.Certificate}
}

// PublicKey returns the signed public half of the pair.
func (p SignedEncryptionKeyPair[R]) PublicKey() SignedPublicEncryptionKey[R] {
	return SignedPublicEncryptionKey[R]{Key: p.KeyPair.Public, Certificate: p.Certificate}
}

// NotValidAfter implements the common "expiry of a signed key" accessor used
// by hierarchy verification and by LatestKey.
func (k SignedPublicSigningKey[R]) NotValidAfter() time.Time    { return k.Certificate.NotValidAfter }
func (k SignedPublicEncryptionKey[R]) NotValidAfter() time.Time { return k.Certificate.NotValidAfter }

// AsBytes returns the raw public key bytes, used as the lexicographic
// tie-break key in LatestKey and as the preimage input to certificate
// construction.
func (k PublicSigningKey[R]) AsBytes() [PublicKeyLen]byte    { return k.Key }
func (k PublicEncryptionKey[R]) AsBytes() [PublicKeyLen]byte { return k.Key }

// GenerateSigningKeyPair creates a fresh, unsigned Ed25519 key pair for role
// R. It is the caller's responsibility to have it signed by the appropriate
// parent via Sign.
func GenerateSigningKeyPair[R Role]() (SigningKeyPair[R], error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair[R]{}, fmt.Errorf("crypto: generate signing key pair: %w", err)
	}
	var p PublicSigningKey[R]
	copy(p.Key[:], pub)
	return SigningKeyPair[R]{Public: p, Secret: sec}, nil
}

// GenerateEncryptionKeyPair creates a fresh, unsigned X25519 key pair for
// role R.
func GenerateEncryptionKeyPair[R Role]() (EncryptionKeyPair[R], error) {
	var secret [PublicKeyLen]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return EncryptionKeyPair[R]{}, fmt.Errorf("crypto: generate encryption key pair: %w", err)
	}
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return EncryptionKeyPair[R]{}, fmt.Errorf("crypto: derive x25519 public key: %w", err)
	}
	var p PublicEncryptionKey[R]
	copy(p.Key[:], pub)
	return EncryptionKeyPair[R]{Public: p, Secret: secret}, nil
}
