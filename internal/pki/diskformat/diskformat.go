// Package diskformat encodes CoverDrop key material the way it is stored
// on disk: one JSON document per file, byte fields hex-encoded, timestamps
// RFC-3339, and decoding refuses any field the format does not recognize
// rather than silently ignoring it. This mirrors the PKI store's
// idempotent-write discipline (internal/pki/store) applied to the
// filesystem instead of Postgres: a local vault of key files a CoverNode or
// identity-API process reads at startup and occasionally rewrites after a
// rotation.
//
// Filenames follow "{entity}-{hex(pk_prefix)}.{pub|secret|keypair}.json":
// entity is a role or entity id (e.g. "org", "covernode-01",
// "journalist-jdoe"), pk_prefix is the first few bytes of the public key so
// two files for the same entity but different keys never collide.
package diskformat

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coverdrop/coverdrop/internal/crypto"
)

// pkPrefixLen bounds how much of the public key appears in a filename: long
// enough to avoid collisions between an entity's successive keys, short
// enough to keep filenames readable.
const pkPrefixLen = 4

// Kind names the three file suffixes this package writes.
type Kind string

const (
	KindPublic  Kind = "pub"
	KindSecret  Kind = "secret"
	KindKeyPair Kind = "keypair"
)

// Filename returns the on-disk name for entity's key file of the given kind,
// keyed by a prefix of pub so rotated keys never collide on disk.
func Filename(entity string, pub [crypto.PublicKeyLen]byte, kind Kind) string {
	n := pkPrefixLen
	if n > len(pub) {
		n = len(pub)
	}
	return fmt.Sprintf("%s-%s.%s.json", entity, hex.EncodeToString(pub[:n]), kind)
}

// signingKeyFile is the on-disk shape of a SignedPublicSigningKey /
// SignedSigningKeyPair, with the secret key present only for keypair files.
type signingKeyFile struct {
	Role          string `json:"role"`
	Entity        string `json:"entity,omitempty"`
	PublicKey     string `json:"public_key"`
	SecretKey     string `json:"secret_key,omitempty"`
	NotValidAfter string `json:"not_valid_after"`
	Signature     string `json:"signature"`
}

type encryptionKeyFile struct {
	Role          string `json:"role"`
	Entity        string `json:"entity,omitempty"`
	PublicKey     string `json:"public_key"`
	SecretKey     string `json:"secret_key,omitempty"`
	NotValidAfter string `json:"not_valid_after"`
	Signature     string `json:"signature"`
}

// decodeStrict unmarshals data into v, rejecting any field v does not
// declare — a malformed or truncated vault file fails loudly at startup
// rather than silently dropping data the reader didn't expect.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("diskformat: decode: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".diskformat-*.tmp")
	if err != nil {
		return fmt.Errorf("diskformat: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("diskformat: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("diskformat: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("diskformat: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("diskformat: rename temp file: %w", err)
	}
	return nil
}

// WriteSignedSigningKeyPair writes a signing key pair's secret half to
// path; WriteSignedEncryptionKeyPair is the other writer whose file carries
// a private key.
func WriteSignedSigningKeyPair[R crypto.Role](path string, entity string, pair crypto.SignedSigningKeyPair[R]) error {
	f := signingKeyFile{
		Role:          crypto.RoleOf[R]().Name(),
		Entity:        entity,
		PublicKey:     hex.EncodeToString(pair.KeyPair.Public.Key[:]),
		SecretKey:     hex.EncodeToString(pair.KeyPair.Secret),
		NotValidAfter: pair.Certificate.NotValidAfter.UTC().Format(time.RFC3339),
		Signature:     hex.EncodeToString(pair.Certificate.Signature[:]),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("diskformat: marshal signing keypair: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReadSignedSigningKeyPair reads a signing key pair's secret half from path.
func ReadSignedSigningKeyPair[R crypto.Role](path string) (crypto.SignedSigningKeyPair[R], string, error) {
	var out crypto.SignedSigningKeyPair[R]
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: read %s: %w", path, err)
	}
	var f signingKeyFile
	if err := decodeStrict(raw, &f); err != nil {
		return out, "", err
	}
	pub, err := decodeHexLen(f.PublicKey, crypto.PublicKeyLen)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: public_key: %w", err)
	}
	sec, err := decodeHexLen(f.SecretKey, ed25519.PrivateKeySize)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: secret_key: %w", err)
	}
	sig, err := decodeHexLen(f.Signature, ed25519.SignatureSize)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: signature: %w", err)
	}
	notValidAfter, err := time.Parse(time.RFC3339, f.NotValidAfter)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: not_valid_after: %w", err)
	}

	copy(out.KeyPair.Public.Key[:], pub)
	out.KeyPair.Secret = ed25519.PrivateKey(sec)
	copy(out.Certificate.Signature[:], sig)
	out.Certificate.NotValidAfter = notValidAfter
	return out, f.Entity, nil
}

// WriteSignedEncryptionKeyPair writes an encryption key pair's secret half
// to path.
func WriteSignedEncryptionKeyPair[R crypto.Role](path string, entity string, pair crypto.SignedEncryptionKeyPair[R]) error {
	f := encryptionKeyFile{
		Role:          crypto.RoleOf[R]().Name(),
		Entity:        entity,
		PublicKey:     hex.EncodeToString(pair.KeyPair.Public.Key[:]),
		SecretKey:     hex.EncodeToString(pair.KeyPair.Secret[:]),
		NotValidAfter: pair.Certificate.NotValidAfter.UTC().Format(time.RFC3339),
		Signature:     hex.EncodeToString(pair.Certificate.Signature[:]),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("diskformat: marshal encryption keypair: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReadSignedEncryptionKeyPair reads an encryption key pair's secret half
// from path.
func ReadSignedEncryptionKeyPair[R crypto.Role](path string) (crypto.SignedEncryptionKeyPair[R], string, error) {
	var out crypto.SignedEncryptionKeyPair[R]
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: read %s: %w", path, err)
	}
	var f encryptionKeyFile
	if err := decodeStrict(raw, &f); err != nil {
		return out, "", err
	}
	pub, err := decodeHexLen(f.PublicKey, crypto.PublicKeyLen)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: public_key: %w", err)
	}
	sec, err := decodeHexLen(f.SecretKey, crypto.PublicKeyLen)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: secret_key: %w", err)
	}
	sig, err := decodeHexLen(f.Signature, ed25519.SignatureSize)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: signature: %w", err)
	}
	notValidAfter, err := time.Parse(time.RFC3339, f.NotValidAfter)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: not_valid_after: %w", err)
	}

	copy(out.KeyPair.Public.Key[:], pub)
	copy(out.KeyPair.Secret[:], sec)
	copy(out.Certificate.Signature[:], sig)
	out.Certificate.NotValidAfter = notValidAfter
	return out, f.Entity, nil
}

// WritePublicSigningKey writes a published (non-secret) signing key, the
// shape bootstrap bundles and public mirrors use.
func WritePublicSigningKey[R crypto.Role](path string, entity string, key crypto.SignedPublicSigningKey[R]) error {
	f := signingKeyFile{
		Role:          crypto.RoleOf[R]().Name(),
		Entity:        entity,
		PublicKey:     hex.EncodeToString(key.Key.Key[:]),
		NotValidAfter: key.Certificate.NotValidAfter.UTC().Format(time.RFC3339),
		Signature:     hex.EncodeToString(key.Certificate.Signature[:]),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("diskformat: marshal public signing key: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReadUntrustedPublicSigningKey reads a published signing key file without
// verifying it against any parent; the caller runs it through
// crypto.Verify before trusting it, exactly as a network-delivered key
// would be treated.
func ReadUntrustedPublicSigningKey[R crypto.Role](path string) (crypto.UntrustedSignedPublicSigningKey[R], string, error) {
	var out crypto.UntrustedSignedPublicSigningKey[R]
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: read %s: %w", path, err)
	}
	var f signingKeyFile
	if err := decodeStrict(raw, &f); err != nil {
		return out, "", err
	}
	pub, err := decodeHexLen(f.PublicKey, crypto.PublicKeyLen)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: public_key: %w", err)
	}
	sig, err := decodeHexLen(f.Signature, ed25519.SignatureSize)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: signature: %w", err)
	}
	notValidAfter, err := time.Parse(time.RFC3339, f.NotValidAfter)
	if err != nil {
		return out, "", fmt.Errorf("diskformat: not_valid_after: %w", err)
	}
	copy(out.Key.Key[:], pub)
	copy(out.Certificate.Signature[:], sig)
	out.Certificate.NotValidAfter = notValidAfter
	return out, f.Entity, nil
}

func decodeHexLen(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}
