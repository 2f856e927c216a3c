// Package store persists the key hierarchy and dead-drops behind a small
// repository interface, the same "contract first, backend adapters after"
// split the teacher uses for its queue package: one interface, a
// Postgres-backed production implementation, and an in-memory implementation
// for tests and local development.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("pki/store: not found")
	ErrConflict = errors.New("pki/store: conflict")
)

// OrganizationKeyRow is one row of the append-only organization_pks table.
// A write is idempotent on (KeyBytes, Signature, NotValidAfter) per spec.
type OrganizationKeyRow struct {
	ID            int64
	KeyBytes      [32]byte
	Signature     [64]byte
	NotValidAfter time.Time
	CreatedAt     time.Time
}

// ChildKeyRow is one row of a {role}_pks table: a child key linked to its
// parent by internal id, with an epoch assigned on insert.
type ChildKeyRow struct {
	ID            int64
	ParentID      int64
	Role          string // e.g. "journalist_messaging", matches crypto.Role.roleName conventions
	EntityID      string // e.g. journalist id, covernode id; empty for provisioning rows
	KeyBytes      [32]byte
	Signature     [64]byte
	NotValidAfter time.Time
	Epoch         uint32
	CreatedAt     time.Time
}

// DeadDropRow is one row of a dead_drops_u2j or dead_drops_j2u table.
type DeadDropRow struct {
	ID        int64 // BIGSERIAL, assigned on accept
	CreatedAt time.Time
	Data      []byte
	Signature [64]byte
	Epoch     *uint32 // set for U2J rows only
	Cert      []byte  // legacy, optional
}

// StatusEventRow is one row of system_status_events, posted by an
// admin-signed form.
type StatusEventRow struct {
	ID        int64
	CreatedAt time.Time
	Status    string
	Detail    string
	Signature [64]byte
}

// JournalistProfileRow persists the display metadata the API serves
// alongside a journalist's key family.
type JournalistProfileRow struct {
	JournalistID string
	DisplayName  string
	SortName     string
	Description  string
	IsDesk       bool
	Tag          string
}

// Store is the PKI orchestrator's full persistence contract.
type Store interface {
	// InsertOrganizationKey is idempotent on (KeyBytes, Signature, NotValidAfter).
	InsertOrganizationKey(ctx context.Context, row OrganizationKeyRow) (OrganizationKeyRow, error)
	ListOrganizationKeys(ctx context.Context) ([]OrganizationKeyRow, error)

	// InsertChildKey assigns a fresh epoch (one counter shared by every
	// role) and returns the row with ID and Epoch populated.
	InsertChildKey(ctx context.Context, row ChildKeyRow) (ChildKeyRow, error)
	ListChildKeys(ctx context.Context, role string) ([]ChildKeyRow, error)
	MaxEpoch(ctx context.Context) (uint32, error)

	UpsertJournalistProfile(ctx context.Context, row JournalistProfileRow) error
	GetJournalistProfile(ctx context.Context, journalistID string) (JournalistProfileRow, error)
	ListJournalistProfiles(ctx context.Context) ([]JournalistProfileRow, error)

	// AppendDeadDrop assigns the next strictly increasing id for direction.
	AppendDeadDrop(ctx context.Context, direction string, row DeadDropRow) (DeadDropRow, error)
	ListDeadDropsAfter(ctx context.Context, direction string, afterID int64, limit int) ([]DeadDropRow, error)

	AppendStatusEvent(ctx context.Context, row StatusEventRow) (StatusEventRow, error)
	ListStatusEventsAfter(ctx context.Context, afterID int64, limit int) ([]StatusEventRow, error)
}

const (
	DirectionUserToJournalist = "u2j"
	DirectionJournalistToUser = "j2u"
)
