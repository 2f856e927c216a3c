package crypto

import "errors"

// Sentinel errors for the Cryptographic error class described by the
// project's error taxonomy (see pkg/errors). Higher layers map
// these to stable error codes; package crypto itself never talks HTTP.
var (
	ErrInvalidKey                = errors.New("crypto: invalid key")
	ErrCertificateExpired        = errors.New("crypto: certificate expired")
	ErrCertificateNotValid       = errors.New("crypto: certificate not valid for requested role or parent")
	ErrParentKeyNotFound         = errors.New("crypto: parent key not found")
	ErrSignatureVerificationFailed = errors.New("crypto: signature verification failed")
	ErrFailedToDecrypt           = errors.New("crypto: failed to decrypt")
)
