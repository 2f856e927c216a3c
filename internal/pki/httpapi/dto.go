package httpapi

import (
	"encoding/hex"
	"time"

	"github.com/coverdrop/coverdrop/internal/pki/store"
)

// Wire DTOs follow the same bytes-as-hex, timestamps-as-RFC-3339 discipline
// as the on-disk key bundles: a client decoding this JSON ends up with
// exactly the Untrusted* shapes in package pki, ready for VerifyHierarchy.

type certDTO struct {
	NotValidAfter string `json:"not_valid_after"`
	Signature     string `json:"signature"`
}

type signedKeyDTO struct {
	Key         string  `json:"key"`
	Certificate certDTO `json:"certificate"`
}

type coverNodeFamilyDTO struct {
	Identity  signedKeyDTO   `json:"identity"`
	Messaging []signedKeyDTO `json:"messaging"`
}

type journalistProfileDTO struct {
	JournalistID string `json:"id"`
	DisplayName  string `json:"display_name"`
	SortName     string `json:"sort_name"`
	Description  string `json:"description"`
	IsDesk       bool   `json:"is_desk"`
	Tag          string `json:"tag"`
}

type journalistFamilyDTO struct {
	Identity  signedKeyDTO         `json:"identity"`
	Messaging []signedKeyDTO       `json:"messaging"`
	Profile   journalistProfileDTO `json:"profile"`
}

type publicKeysResponse struct {
	Organization           []signedKeyDTO                 `json:"organization_pks"`
	CoverNodeProvisioning  *signedKeyDTO                   `json:"covernode_provisioning,omitempty"`
	JournalistProvisioning *signedKeyDTO                   `json:"journalist_provisioning,omitempty"`
	CoverNodes             map[string]coverNodeFamilyDTO   `json:"covernodes"`
	Journalists            map[string]journalistFamilyDTO  `json:"journalists"`
	MaxEpoch               uint32                          `json:"max_epoch"`
}

func orgRowToDTO(r store.OrganizationKeyRow) signedKeyDTO {
	return signedKeyDTO{
		Key: hex.EncodeToString(r.KeyBytes[:]),
		Certificate: certDTO{
			NotValidAfter: r.NotValidAfter.UTC().Format(time.RFC3339),
			Signature:     hex.EncodeToString(r.Signature[:]),
		},
	}
}

func childRowToDTO(r store.ChildKeyRow) signedKeyDTO {
	return signedKeyDTO{
		Key: hex.EncodeToString(r.KeyBytes[:]),
		Certificate: certDTO{
			NotValidAfter: r.NotValidAfter.UTC().Format(time.RFC3339),
			Signature:     hex.EncodeToString(r.Signature[:]),
		},
	}
}

type deadDropDTO struct {
	ID        int64  `json:"id"`
	CreatedAt string `json:"created_at"`
	Data      string `json:"data"`
	Signature string `json:"signature"`
	Epoch     *uint32 `json:"epoch,omitempty"`
}

func deadDropRowToDTO(r store.DeadDropRow) deadDropDTO {
	return deadDropDTO{
		ID:        r.ID,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		Data:      hex.EncodeToString(r.Data),
		Signature: hex.EncodeToString(r.Signature[:]),
		Epoch:     r.Epoch,
	}
}

type deadDropsResponse struct {
	DeadDrops []deadDropDTO `json:"dead_drops"`
}

type statusEventDTO struct {
	ID        int64  `json:"id"`
	CreatedAt string `json:"created_at"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

type submitFormRequest struct {
	Body          string `json:"body"`
	SignerPublic  string `json:"signer_public"`
	Signature     string `json:"signature"`
	NotValidAfter string `json:"not_valid_after"`
}

type formAcceptedResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Epoch          uint32 `json:"epoch,omitempty"`
}
