package crypto

import "time"

// Verify checks an untrusted signing-key certificate against the parent key
// that is supposed to have issued it and returns the now-trusted key. It is
// the only function in this package that can turn an
// UntrustedSignedPublicSigningKey into a SignedPublicSigningKey.
//
// Verification order matches the original protocol: certificate shape first
// (implicit in the typed certificateData encoding), then expiry, then
// signature. Returning the expiry error before the signature error means a
// stale-but-otherwise-valid certificate is reported as expired rather than
// as a forged signature.
func Verify[Parent, Child Role](
	untrusted UntrustedSignedPublicSigningKey[Child],
	parent SignedPublicSigningKey[Parent],
	now time.Time,
) (SignedPublicSigningKey[Child], error) {
	if untrusted.Certificate.IsNotValidAfter(now) {
		return SignedPublicSigningKey[Child]{}, ErrCertificateExpired
	}

	data := certificateData(untrusted.Key.Key, untrusted.Certificate.NotValidAfter)
	if err := verifySignatureBytes(parent.Key.Key, data[:], untrusted.Certificate.Signature); err != nil {
		return SignedPublicSigningKey[Child]{}, err
	}

	return SignedPublicSigningKey[Child]{Key: untrusted.Key, Certificate: untrusted.Certificate}, nil
}

// VerifyEncryption is the encryption-key analogue of Verify: it checks an
// untrusted encryption-key certificate against its parent signing key.
func VerifyEncryption[Parent, Child Role](
	untrusted UntrustedSignedPublicEncryptionKey[Child],
	parent SignedPublicSigningKey[Parent],
	now time.Time,
) (SignedPublicEncryptionKey[Child], error) {
	if untrusted.Certificate.IsNotValidAfter(now) {
		return SignedPublicEncryptionKey[Child]{}, ErrCertificateExpired
	}

	data := certificateData(untrusted.Key.Key, untrusted.Certificate.NotValidAfter)
	if err := verifySignatureBytes(parent.Key.Key, data[:], untrusted.Certificate.Signature); err != nil {
		return SignedPublicEncryptionKey[Child]{}, err
	}

	return SignedPublicEncryptionKey[Child]{Key: untrusted.Key, Certificate: untrusted.Certificate}, nil
}

// VerifyAnchor verifies the anchor organization key's self-signature: the
// one place where parent and child are the same key. Callers are expected to
// have obtained the anchor's public key out of band (TOFU) and pass it in as
// trustedAnchorPub.
func VerifyAnchor(untrusted UntrustedSignedPublicSigningKey[AnchorOrganization], trustedAnchorPub [PublicKeyLen]byte, now time.Time) (SignedPublicSigningKey[AnchorOrganization], error) {
	if untrusted.Key.Key != trustedAnchorPub {
		return SignedPublicSigningKey[AnchorOrganization]{}, ErrInvalidKey
	}
	if untrusted.Certificate.IsNotValidAfter(now) {
		return SignedPublicSigningKey[AnchorOrganization]{}, ErrCertificateExpired
	}
	data := certificateData(untrusted.Key.Key, untrusted.Certificate.NotValidAfter)
	if err := verifySignatureBytes(untrusted.Key.Key, data[:], untrusted.Certificate.Signature); err != nil {
		return SignedPublicSigningKey[AnchorOrganization]{}, err
	}
	return SignedPublicSigningKey[AnchorOrganization]{Key: untrusted.Key, Certificate: untrusted.Certificate}, nil
}

// VerifyOrganization additionally requires byte-exact equality with the
// organization key already held by the anchor, matching the original
// protocol's stricter check for this one hop: an anchor only ever trusts the
// specific organization key it was bootstrapped with, not any key the
// anchor's signature happens to validate.
func VerifyOrganization(
	untrusted UntrustedSignedPublicSigningKey[Organization],
	anchor SignedPublicSigningKey[AnchorOrganization],
	anchorHeldOrgKey SignedPublicSigningKey[Organization],
	now time.Time,
) (SignedPublicSigningKey[Organization], error) {
	if untrusted.Key.Key != anchorHeldOrgKey.Key.Key ||
		untrusted.Certificate.NotValidAfter != anchorHeldOrgKey.Certificate.NotValidAfter ||
		untrusted.Certificate.Signature != anchorHeldOrgKey.Certificate.Signature {
		return SignedPublicSigningKey[Organization]{}, ErrCertificateNotValid
	}
	return Verify[AnchorOrganization, Organization](untrusted, anchor, now)
}
