// Package forms validates signed forms submitted to the PKI orchestrator:
// provisioning-key, identity-key, messaging-key, admin-key, journalist,
// status, and J2C-message registrations. Every form carries (body, signer
// public key, signature, not_valid_after); the signer must already be
// present in the verified hierarchy and the signature must check out before
// the body is accepted.
package forms

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/coverdrop/coverdrop/pkg/idempotency"
)

// Kind enumerates the form types the API accepts, matching the hierarchy's
// registration surface.
type Kind string

const (
	KindProvisioningKey Kind = "provisioning_key"
	KindIdentityKey     Kind = "identity_key"
	KindMessagingKey    Kind = "messaging_key"
	KindAdminKey        Kind = "admin_key"
	KindJournalist       Kind = "journalist"
	KindStatus          Kind = "status"
	KindJ2CMessage      Kind = "j2c_message"
)

// Standard form TTL; BootstrapTTL is the longer window for bundles shipped
// on disk (spec's BUNDLE_FORM_TTL).
const (
	StandardTTL  = 10 * time.Minute
	BootstrapTTL = 30 * 24 * time.Hour
)

var (
	ErrExpired          = errors.New("forms: form not_valid_after has passed")
	ErrSignatureInvalid = errors.New("forms: signature verification failed")
	ErrUnknownSigner    = errors.New("forms: signer not found in hierarchy")
	ErrIdentityExpired  = errors.New("forms: signer's identity key has expired")
)

// Form is the wire shape of a signed form, body already serialized to the
// exact bytes the signer signed over.
type Form struct {
	Kind          Kind
	Body          []byte
	SignerPublic  [32]byte // raw Ed25519 public key bytes of signer
	Signature     [ed25519.SignatureSize]byte
	NotValidAfter time.Time
}

// preimage is the bytes a form's signature covers: body || not_valid_after
// seconds big-endian, the same certificate-preimage discipline the
// hierarchy's own certificates use, applied to forms instead of keys.
func preimage(body []byte, notValidAfter time.Time) []byte {
	out := make([]byte, 0, len(body)+8)
	out = append(out, body...)
	var ts [8]byte
	sec := notValidAfter.Unix()
	for i := 0; i < 8; i++ {
		ts[7-i] = byte(sec)
		sec >>= 8
	}
	return append(out, ts[:]...)
}

// Verify checks a form's TTL and signature. It does not check that
// SignerPublic belongs to a role authorized to submit Kind forms — that is
// a hierarchy lookup the caller performs because it
// requires the verified Hierarchy, which this package does not import to
// avoid a dependency cycle with pki itself.
func Verify(f Form, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = StandardTTL
	}
	if now.After(f.NotValidAfter) {
		return ErrExpired
	}
	if f.NotValidAfter.Sub(now) > ttl {
		// a form claiming validity further out than its kind's TTL allows
		// is not a valid form, regardless of signature
		return fmt.Errorf("%w: not_valid_after exceeds allowed ttl", ErrExpired)
	}
	if !ed25519.Verify(f.SignerPublic[:], preimage(f.Body, f.NotValidAfter), f.Signature[:]) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign produces a form's signature using the signer's secret key. Used by
// test fixtures and by clients constructing forms.
func Sign(secret ed25519.PrivateKey, body []byte, notValidAfter time.Time) [ed25519.SignatureSize]byte {
	sig := ed25519.Sign(secret, preimage(body, notValidAfter))
	var out [ed25519.SignatureSize]byte
	copy(out[:], sig)
	return out
}

// IdempotencyKey derives a stable dedup key for a form submission, so a
// client's retried POST after a dropped response does not double-register
// the same key or double-post the same status event.
func IdempotencyKey(f Form) (string, error) {
	return idempotency.BuildKeyFromMap("pki", string(f.Kind), map[string]any{
		"body":            f.Body,
		"signer_public":   f.SignerPublic[:],
		"signature":       f.Signature[:],
		"not_valid_after": f.NotValidAfter.UTC().Format(time.RFC3339),
	})
}

// RotationRequest is the body of an identity-key rotation form (spec
// §4.6's identity-API responsibility): a journalist or CoverNode submits an
// unregistered identity public key signed by its current identity key. The
// identity-API verifies the signer against its own current identity key,
// then signs NewUnregisteredKey with the matching provisioning key itself —
// the client never produces that certificate. Role names one of
// "journalist_identity" or "covernode_identity" so a single form shape and
// handler serve both entity kinds.
type RotationRequest struct {
	EntityID           string
	Role               string
	CurrentIdentityKey [32]byte
	NewUnregisteredKey [32]byte
	RequestedValidFor  time.Duration
}

// RotationFailureKind enumerates the identity-API's documented rotation
// failure kinds.
type RotationFailureKind string

const (
	RotationUnknownSigner   RotationFailureKind = "UnknownSigner"
	RotationIdentityMismatch RotationFailureKind = "IdentityMismatch"
	RotationParentKeyExpired RotationFailureKind = "ParentKeyExpired"
)

// RotationError pairs a failure kind with the underlying cause.
type RotationError struct {
	Kind RotationFailureKind
	Err  error
}

func (e *RotationError) Error() string { return fmt.Sprintf("forms: rotation failed (%s): %v", e.Kind, e.Err) }
func (e *RotationError) Unwrap() error  { return e.Err }
