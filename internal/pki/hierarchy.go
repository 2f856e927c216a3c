// Package pki assembles the key hierarchy (anchor organization, organization,
// provisioning, identity, messaging) into the nested-map shape clients and
// the API persist, and verifies it top-down: each inner failure is swallowed
// for its subtree rather than aborting the whole walk, mirroring the
// hierarchy's own best-effort-per-leaf, strict-per-chain trust model.
package pki

import (
	"time"

	"github.com/coverdrop/coverdrop/internal/crypto"
)

// JournalistIdentity is one journalist's published key family: an identity
// key plus every messaging key issued under it (old ones still present until
// their grace period elapses, per spec's rotation lifecycle).
type JournalistIdentity struct {
	IdentityKey  crypto.SignedPublicSigningKey[crypto.JournalistId]
	MessageKeys  []crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging]

	// Profile metadata, supplementing the raw key material with the
	// journalist-facing fields the API also persists and serves.
	Profile JournalistProfile
}

// JournalistProfile is the display metadata the API stores and serves
// alongside a journalist's key family.
type JournalistProfile struct {
	JournalistID string
	DisplayName  string
	SortName     string
	Description  string
	IsDesk       bool
	Tag          string
}

// CoverNodeFamily is one CoverNode's published key family: an identity key
// plus its messaging keys.
type CoverNodeFamily struct {
	IdentityKey crypto.SignedPublicSigningKey[crypto.CoverNodeId]
	MessageKeys []crypto.SignedPublicEncryptionKey[crypto.CoverNodeMessaging]
}

// Hierarchy is the verified tree rooted at a trusted organization key:
// org -> provisioning -> { covernode identities, journalist identities }.
// It holds only keys that verified; anything that failed verification was
// dropped at the point of failure and never reaches this structure.
type Hierarchy struct {
	Organization          crypto.SignedPublicSigningKey[crypto.Organization]
	CoverNodeProvisioning crypto.SignedPublicSigningKey[crypto.CoverNodeProvisioning]
	JournalistProvisioning crypto.SignedPublicSigningKey[crypto.JournalistProvisioning]

	CoverNodes  map[string]CoverNodeFamily   // keyed by CoverNode id string
	Journalists map[string]JournalistIdentity // keyed by journalist id string

	MaxEpoch uint32
}

// Untrusted is the wire shape of one organization's branch of the hierarchy,
// exactly as received from the API's public-keys endpoint: every key still
// needs VerifyHierarchy before it can be trusted.
type Untrusted struct {
	Organization           crypto.UntrustedSignedPublicSigningKey[crypto.Organization]
	CoverNodeProvisioning  crypto.UntrustedSignedPublicSigningKey[crypto.CoverNodeProvisioning]
	JournalistProvisioning crypto.UntrustedSignedPublicSigningKey[crypto.JournalistProvisioning]

	CoverNodes  map[string]UntrustedCoverNodeFamily
	Journalists map[string]UntrustedJournalistIdentity

	MaxEpoch uint32
}

type UntrustedCoverNodeFamily struct {
	IdentityKey crypto.UntrustedSignedPublicSigningKey[crypto.CoverNodeId]
	MessageKeys []crypto.UntrustedSignedPublicEncryptionKey[crypto.CoverNodeMessaging]
}

type UntrustedJournalistIdentity struct {
	IdentityKey crypto.UntrustedSignedPublicSigningKey[crypto.JournalistId]
	MessageKeys []crypto.UntrustedSignedPublicEncryptionKey[crypto.JournalistMessaging]
	Profile     JournalistProfile
}

// SubtreeFailure records one verification failure encountered while walking
// an Untrusted hierarchy. The subtree it names was dropped; it never
// propagates as an error to the caller of VerifyHierarchy.
type SubtreeFailure struct {
	Path string // e.g. "journalists/alice/message_keys"
	Err  error
}

// VerifyHierarchy walks an Untrusted hierarchy against a trusted anchor and
// a previously-trusted organization key (the anchor only ever trusts the one
// organization key it was bootstrapped with, per crypto.VerifyOrganization),
// returning every key that verified plus a list of the subtrees it had to
// drop. A single expired journalist messaging key never costs the rest of
// the hierarchy.
func VerifyHierarchy(
	u Untrusted,
	anchor crypto.SignedPublicSigningKey[crypto.AnchorOrganization],
	anchorHeldOrgKey crypto.SignedPublicSigningKey[crypto.Organization],
	now time.Time,
) (Hierarchy, []SubtreeFailure) {
	var failures []SubtreeFailure

	org, err := crypto.VerifyOrganization(u.Organization, anchor, anchorHeldOrgKey, now)
	if err != nil {
		return Hierarchy{}, []SubtreeFailure{{Path: "organization", Err: err}}
	}

	covernodeProv, covernodeProvErr := crypto.Verify[crypto.Organization, crypto.CoverNodeProvisioning](u.CoverNodeProvisioning, org, now)
	if covernodeProvErr != nil {
		failures = append(failures, SubtreeFailure{Path: "covernode_provisioning", Err: covernodeProvErr})
	}
	journalistProv, journalistProvErr := crypto.Verify[crypto.Organization, crypto.JournalistProvisioning](u.JournalistProvisioning, org, now)
	if journalistProvErr != nil {
		failures = append(failures, SubtreeFailure{Path: "journalist_provisioning", Err: journalistProvErr})
	}

	h := Hierarchy{
		Organization:           org,
		CoverNodeProvisioning:  covernodeProv,
		JournalistProvisioning: journalistProv,
		CoverNodes:             map[string]CoverNodeFamily{},
		Journalists:            map[string]JournalistIdentity{},
		MaxEpoch:               u.MaxEpoch,
	}

	var zeroKey [crypto.PublicKeyLen]byte

	if covernodeProvErr == nil {
		for id, family := range u.CoverNodes {
			verified, subFailures := verifyCoverNodeFamily(id, family, covernodeProv, now)
			failures = append(failures, subFailures...)
			if verified.IdentityKey.Key.Key == zeroKey {
				continue // identity itself failed to verify; subtree dropped
			}
			h.CoverNodes[id] = verified
		}
	}

	if journalistProvErr == nil {
		for id, family := range u.Journalists {
			verified, subFailures := verifyJournalistIdentity(id, family, journalistProv, now)
			failures = append(failures, subFailures...)
			if verified.IdentityKey.Key.Key == zeroKey {
				continue
			}
			h.Journalists[id] = verified
		}
	}

	return h, failures
}

func verifyCoverNodeFamily(
	id string,
	u UntrustedCoverNodeFamily,
	provisioning crypto.SignedPublicSigningKey[crypto.CoverNodeProvisioning],
	now time.Time,
) (CoverNodeFamily, []SubtreeFailure) {
	identity, err := crypto.Verify[crypto.CoverNodeProvisioning, crypto.CoverNodeId](u.IdentityKey, provisioning, now)
	if err != nil {
		return CoverNodeFamily{}, []SubtreeFailure{{Path: "covernodes/" + id, Err: err}}
	}

	var failures []SubtreeFailure
	family := CoverNodeFamily{IdentityKey: identity}
	for i, mk := range u.MessageKeys {
		verified, err := crypto.VerifyEncryption[crypto.CoverNodeId, crypto.CoverNodeMessaging](mk, identity, now)
		if err != nil {
			failures = append(failures, SubtreeFailure{Path: "covernodes/" + id + "/message_keys", Err: err})
			continue
		}
		family.MessageKeys = append(family.MessageKeys, verified)
		_ = i
	}
	return family, failures
}

func verifyJournalistIdentity(
	id string,
	u UntrustedJournalistIdentity,
	provisioning crypto.SignedPublicSigningKey[crypto.JournalistProvisioning],
	now time.Time,
) (JournalistIdentity, []SubtreeFailure) {
	identity, err := crypto.Verify[crypto.JournalistProvisioning, crypto.JournalistId](u.IdentityKey, provisioning, now)
	if err != nil {
		return JournalistIdentity{}, []SubtreeFailure{{Path: "journalists/" + id, Err: err}}
	}

	var failures []SubtreeFailure
	ji := JournalistIdentity{IdentityKey: identity, Profile: u.Profile}
	for _, mk := range u.MessageKeys {
		verified, err := crypto.VerifyEncryption[crypto.JournalistId, crypto.JournalistMessaging](mk, identity, now)
		if err != nil {
			failures = append(failures, SubtreeFailure{Path: "journalists/" + id + "/message_keys", Err: err})
			continue
		}
		ji.MessageKeys = append(ji.MessageKeys, verified)
	}
	return ji, failures
}

// LatestJournalistMessagingKey returns the journalist's current messaging
// key by the hierarchy's latest-key selection rule (max not_valid_after,
// ties broken lexicographically by key bytes).
func (h Hierarchy) LatestJournalistMessagingKey(journalistID string) (crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging], bool) {
	ji, ok := h.Journalists[journalistID]
	if !ok {
		return crypto.SignedPublicEncryptionKey[crypto.JournalistMessaging]{}, false
	}
	return crypto.LatestKeyEncryption(ji.MessageKeys)
}

// AllCoverNodeMessagingKeys flattens every CoverNode's currently-valid
// messaging keys, ranked newest-first, for the multi-recipient box a user
// client seals a submission under.
func (h Hierarchy) AllCoverNodeMessagingKeys() []crypto.SignedPublicEncryptionKey[crypto.CoverNodeMessaging] {
	var all []crypto.SignedPublicEncryptionKey[crypto.CoverNodeMessaging]
	for _, f := range h.CoverNodes {
		all = append(all, f.MessageKeys...)
	}
	return crypto.RankedByRecency(all)
}
