package crypto

import (
	"crypto/ed25519"
	"time"
)

// SignSigningKey certifies a child Ed25519 public key using parent's secret
// key. The issued certificate's expiry is validFor after now, clipped to
// parent's own expiry, so a child can never outlive its parent.
func SignSigningKey[Parent, Child Role](
	parent SignedSigningKeyPair[Parent],
	child PublicSigningKey[Child],
	validFor time.Duration,
	now time.Time,
) (SignedPublicSigningKey[Child], error) {
	notValidAfter := generateChildExpiry(validFor, parent.Certificate.NotValidAfter, now)
	data := certificateData(child.Key, notValidAfter)
	sig := ed25519.Sign(parent.KeyPair.Secret, data[:])

	var cert Certificate
	cert.NotValidAfter = notValidAfter
	copy(cert.Signature[:], sig)

	return SignedPublicSigningKey[Child]{Key: child, Certificate: cert}, nil
}

// SignEncryptionKey certifies a child X25519 public key using parent's
// Ed25519 secret key, with the same expiry-clipping rule as SignSigningKey.
func SignEncryptionKey[Parent, Child Role](
	parent SignedSigningKeyPair[Parent],
	child PublicEncryptionKey[Child],
	validFor time.Duration,
	now time.Time,
) (SignedPublicEncryptionKey[Child], error) {
	notValidAfter := generateChildExpiry(validFor, parent.Certificate.NotValidAfter, now)
	data := certificateData(child.Key, notValidAfter)
	sig := ed25519.Sign(parent.KeyPair.Secret, data[:])

	var cert Certificate
	cert.NotValidAfter = notValidAfter
	copy(cert.Signature[:], sig)

	return SignedPublicEncryptionKey[Child]{Key: child, Certificate: cert}, nil
}

// SelfSignAnchor produces the anchor organization's self-signed root
// certificate. This is the one place in the hierarchy where a key signs
// itself; every other certificate is issued by a distinct parent key.
func SelfSignAnchor(pair SigningKeyPair[AnchorOrganization], validFor time.Duration, now time.Time) SignedSigningKeyPair[AnchorOrganization] {
	notValidAfter := now.Add(validFor)
	data := certificateData(pair.Public.Key, notValidAfter)
	sig := ed25519.Sign(pair.Secret, data[:])

	var cert Certificate
	cert.NotValidAfter = notValidAfter
	copy(cert.Signature[:], sig)

	return SignedSigningKeyPair[AnchorOrganization]{KeyPair: pair, Certificate: cert}
}

// verifySignatureBytes checks an Ed25519 signature over data using a raw
// 32-byte public key, returning ErrSignatureVerificationFailed on mismatch.
func verifySignatureBytes(pub [PublicKeyLen]byte, data []byte, sig [ed25519.SignatureSize]byte) error {
	if !ed25519.Verify(pub[:], data, sig[:]) {
		return ErrSignatureVerificationFailed
	}
	return nil
}
