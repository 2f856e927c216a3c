package crypto

import (
	"encoding/binary"
	"time"
)

// PublicKeyLen is the length in bytes of every raw public key in the system,
// whether it is an Ed25519 signing key or an X25519 encryption key.
const PublicKeyLen = 32

// CertificateLen is the canonical on-wire length of a key certificate:
// the 32-byte public key followed by an 8-byte big-endian expiry.
const CertificateLen = PublicKeyLen + 8

// certificateData returns the canonical bytes a parent key signs over to
// certify a child key: key_bytes || not_valid_after_seconds_be. This is the
// only layout accepted anywhere in the system; anything else is rejected by
// Verify before a signature is even checked.
func certificateData(pubKey [PublicKeyLen]byte, notValidAfter time.Time) [CertificateLen]byte {
	var out [CertificateLen]byte
	copy(out[:PublicKeyLen], pubKey[:])
	binary.BigEndian.PutUint64(out[PublicKeyLen:], uint64(notValidAfter.Unix()))
	return out
}

// expiryFromCertificateData extracts the not_valid_after timestamp encoded in
// a canonical certificate preimage.
func expiryFromCertificateData(data [CertificateLen]byte) time.Time {
	secs := binary.BigEndian.Uint64(data[PublicKeyLen:])
	return time.Unix(int64(secs), 0).UTC()
}

// generateChildExpiry clips a requested validity duration to the parent's own
// expiry: a child certificate can never outlive the key that signs it.
func generateChildExpiry(validFor time.Duration, parentNotValidAfter, now time.Time) time.Time {
	wanted := now.Add(validFor)
	if wanted.After(parentNotValidAfter) {
		return parentNotValidAfter
	}
	return wanted
}
