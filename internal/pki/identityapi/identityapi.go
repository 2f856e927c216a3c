// Package identityapi implements the identity-API half of the PKI
// orchestrator (spec §4.6): the process trusted with provisioning secret
// keys, exposing only the identity-key rotation endpoint. It is
// deliberately separate from internal/pki/httpapi, which serves the public
// API and never holds a provisioning secret — splitting the two processes
// is the whole point of the state machine described in spec §4.6.
package identityapi

import (
	"context"
	"fmt"
	"time"

	"github.com/coverdrop/coverdrop/internal/crypto"
	"github.com/coverdrop/coverdrop/internal/pki/forms"
	"github.com/coverdrop/coverdrop/internal/pki/store"
)

// Provisioning holds one entity kind's provisioning secret, the only
// material this process is trusted with. Server picks the matching pair by
// RotationRequest.Role.
type Provisioning struct {
	Journalist crypto.SignedSigningKeyPair[crypto.JournalistProvisioning]
	CoverNode  crypto.SignedSigningKeyPair[crypto.CoverNodeProvisioning]
}

// Server rotates identity keys: Unregistered -> Pending -> Published, all
// within a single request, since nothing here requires the asynchronous
// delay spec's diagram allows (Pending exists for a client that wants to
// be told a certificate is coming; this server issues it immediately).
type Server struct {
	Store        store.Store
	Clock        func() time.Time
	Provisioning Provisioning

	// ValidFor bounds how long a freshly rotated identity key is valid,
	// clipped to its provisioning key's own expiry by crypto.SignSigningKey.
	ValidFor time.Duration
}

func New(st store.Store, clock func() time.Time, prov Provisioning, validFor time.Duration) *Server {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if validFor <= 0 {
		validFor = 90 * 24 * time.Hour
	}
	return &Server{Store: st, Clock: clock, Provisioning: prov, ValidFor: validFor}
}

// roleTable maps a rotation request's Role to the child-key table role name
// the current identity key is looked up in.
func roleTable(role string) (string, bool) {
	switch role {
	case "journalist_identity", "covernode_identity":
		return role, true
	default:
		return "", false
	}
}

// Rotate runs the Unregistered -> Pending -> Published transition for one
// identity key. f must already have passed forms.Verify — Rotate only
// checks the signer against the hierarchy and the request's own
// consistency, not the form's TTL or signature, which the caller (the
// identity-API's HTTP handler) is responsible for checking first exactly
// as internal/pki/httpapi does for every other form kind.
func (s *Server) Rotate(ctx context.Context, f forms.Form, rr forms.RotationRequest) (store.ChildKeyRow, error) {
	table, ok := roleTable(rr.Role)
	if !ok {
		return store.ChildKeyRow{}, &forms.RotationError{Kind: forms.RotationUnknownSigner, Err: fmt.Errorf("identityapi: unknown role %q", rr.Role)}
	}

	if f.SignerPublic != rr.CurrentIdentityKey {
		return store.ChildKeyRow{}, &forms.RotationError{Kind: forms.RotationIdentityMismatch, Err: fmt.Errorf("identityapi: form signer does not match claimed current identity key")}
	}

	rows, err := s.Store.ListChildKeys(ctx, table)
	if err != nil {
		return store.ChildKeyRow{}, fmt.Errorf("identityapi: list current identity keys: %w", err)
	}
	var current *store.ChildKeyRow
	for i := range rows {
		if rows[i].EntityID == rr.EntityID && rows[i].KeyBytes == rr.CurrentIdentityKey {
			current = &rows[i]
			break
		}
	}
	if current == nil {
		return store.ChildKeyRow{}, &forms.RotationError{Kind: forms.RotationUnknownSigner, Err: fmt.Errorf("identityapi: no current identity key on file for %q", rr.EntityID)}
	}

	now := s.Clock()
	if now.After(current.NotValidAfter) {
		return store.ChildKeyRow{}, &forms.RotationError{Kind: forms.RotationParentKeyExpired, Err: fmt.Errorf("identityapi: current identity key for %q has expired", rr.EntityID)}
	}

	var signed struct {
		NotValidAfter time.Time
		Signature     [64]byte
	}
	switch rr.Role {
	case "journalist_identity":
		var child crypto.PublicSigningKey[crypto.JournalistId]
		child.Key = rr.NewUnregisteredKey
		cert, err := crypto.SignSigningKey(s.Provisioning.Journalist, child, s.ValidFor, now)
		if err != nil {
			return store.ChildKeyRow{}, fmt.Errorf("identityapi: sign rotated journalist identity key: %w", err)
		}
		signed.NotValidAfter, signed.Signature = cert.Certificate.NotValidAfter, cert.Certificate.Signature
	case "covernode_identity":
		var child crypto.PublicSigningKey[crypto.CoverNodeId]
		child.Key = rr.NewUnregisteredKey
		cert, err := crypto.SignSigningKey(s.Provisioning.CoverNode, child, s.ValidFor, now)
		if err != nil {
			return store.ChildKeyRow{}, fmt.Errorf("identityapi: sign rotated covernode identity key: %w", err)
		}
		signed.NotValidAfter, signed.Signature = cert.Certificate.NotValidAfter, cert.Certificate.Signature
	}

	row := store.ChildKeyRow{
		ParentID:      current.ParentID,
		Role:          rr.Role,
		EntityID:      rr.EntityID,
		KeyBytes:      rr.NewUnregisteredKey,
		Signature:     signed.Signature,
		NotValidAfter: signed.NotValidAfter,
	}
	saved, err := s.Store.InsertChildKey(ctx, row)
	if err != nil {
		return store.ChildKeyRow{}, fmt.Errorf("identityapi: persist rotated identity key: %w", err)
	}
	return saved, nil
}
