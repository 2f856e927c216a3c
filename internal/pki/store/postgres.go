package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Clock supplies CreatedAt timestamps; tests can substitute a fixed clock to
// keep fixtures deterministic, the same pattern the teacher's relational
// store uses.
type Clock func() time.Time

// PostgresOptions configures PostgresStore.
type PostgresOptions struct {
	Clock Clock
}

// PostgresStore is the production Store backed by PostgreSQL via
// github.com/lib/pq, following the teacher's database/sql-plus-driver split:
// this package imports the driver for its side effect, callers open the
// *sql.DB themselves.
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, opts PostgresOptions) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pki/store: db is nil")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &PostgresStore{db: db, clock: opts.Clock}, nil
}

// EnsureSchema creates every backing table if absent. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS organization_pks (
			id BIGSERIAL PRIMARY KEY,
			key_bytes BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			not_valid_after TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (key_bytes, signature, not_valid_after)
		);`,
		`CREATE TABLE IF NOT EXISTS role_pks (
			id BIGSERIAL PRIMARY KEY,
			parent_id BIGINT NOT NULL,
			role TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			key_bytes BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			not_valid_after TIMESTAMPTZ NOT NULL,
			epoch BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS journalist_profiles (
			journalist_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			sort_name TEXT NOT NULL,
			description TEXT NOT NULL,
			is_desk BOOLEAN NOT NULL,
			tag TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dead_drops_u2j (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			data BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			epoch BIGINT NOT NULL,
			cert BYTEA
		);`,
		`CREATE TABLE IF NOT EXISTS dead_drops_j2u (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			data BYTEA NOT NULL,
			signature BYTEA NOT NULL,
			cert BYTEA
		);`,
		`CREATE TABLE IF NOT EXISTS system_status_events (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL,
			signature BYTEA NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("pki/store: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertOrganizationKey(ctx context.Context, row OrganizationKeyRow) (OrganizationKeyRow, error) {
	now := s.clock().UTC()
	q := `
INSERT INTO organization_pks (key_bytes, signature, not_valid_after, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key_bytes, signature, not_valid_after) DO UPDATE SET key_bytes = EXCLUDED.key_bytes
RETURNING id, created_at;`
	var id int64
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, q, row.KeyBytes[:], row.Signature[:], row.NotValidAfter, now).Scan(&id, &createdAt); err != nil {
		return OrganizationKeyRow{}, fmt.Errorf("pki/store: insert organization key: %w", err)
	}
	row.ID = id
	row.CreatedAt = createdAt.UTC()
	return row, nil
}

func (s *PostgresStore) ListOrganizationKeys(ctx context.Context) ([]OrganizationKeyRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key_bytes, signature, not_valid_after, created_at FROM organization_pks ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("pki/store: list organization keys: %w", err)
	}
	defer rows.Close()

	var out []OrganizationKeyRow
	for rows.Next() {
		var r OrganizationKeyRow
		var keyBytes, sig []byte
		if err := rows.Scan(&r.ID, &keyBytes, &sig, &r.NotValidAfter, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("pki/store: scan organization key: %w", err)
		}
		copy(r.KeyBytes[:], keyBytes)
		copy(r.Signature[:], sig)
		r.NotValidAfter = r.NotValidAfter.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertChildKey(ctx context.Context, row ChildKeyRow) (ChildKeyRow, error) {
	now := s.clock().UTC()
	q := `
WITH next_epoch AS (
	SELECT COALESCE(MAX(epoch), 0) + 1 AS epoch FROM role_pks
)
INSERT INTO role_pks (parent_id, role, entity_id, key_bytes, signature, not_valid_after, epoch, created_at)
SELECT $1, $2, $3, $4, $5, $6, next_epoch.epoch, $7 FROM next_epoch
RETURNING id, epoch, created_at;`
	var id int64
	var epoch int64
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, q, row.ParentID, row.Role, row.EntityID, row.KeyBytes[:], row.Signature[:], row.NotValidAfter, now).
		Scan(&id, &epoch, &createdAt); err != nil {
		return ChildKeyRow{}, fmt.Errorf("pki/store: insert child key: %w", err)
	}
	row.ID = id
	row.Epoch = uint32(epoch)
	row.CreatedAt = createdAt.UTC()
	return row, nil
}

func (s *PostgresStore) ListChildKeys(ctx context.Context, role string) ([]ChildKeyRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, role, entity_id, key_bytes, signature, not_valid_after, epoch, created_at
		 FROM role_pks WHERE role = $1 ORDER BY id ASC;`, role)
	if err != nil {
		return nil, fmt.Errorf("pki/store: list child keys: %w", err)
	}
	defer rows.Close()

	var out []ChildKeyRow
	for rows.Next() {
		var r ChildKeyRow
		var keyBytes, sig []byte
		var epoch int64
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Role, &r.EntityID, &keyBytes, &sig, &r.NotValidAfter, &epoch, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("pki/store: scan child key: %w", err)
		}
		copy(r.KeyBytes[:], keyBytes)
		copy(r.Signature[:], sig)
		r.Epoch = uint32(epoch)
		r.NotValidAfter = r.NotValidAfter.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MaxEpoch(ctx context.Context) (uint32, error) {
	var epoch int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(epoch), 0) FROM role_pks;`).Scan(&epoch); err != nil {
		return 0, fmt.Errorf("pki/store: max epoch: %w", err)
	}
	return uint32(epoch), nil
}

func (s *PostgresStore) UpsertJournalistProfile(ctx context.Context, row JournalistProfileRow) error {
	q := `
INSERT INTO journalist_profiles (journalist_id, display_name, sort_name, description, is_desk, tag)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (journalist_id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	sort_name    = EXCLUDED.sort_name,
	description  = EXCLUDED.description,
	is_desk      = EXCLUDED.is_desk,
	tag          = EXCLUDED.tag;`
	if _, err := s.db.ExecContext(ctx, q, row.JournalistID, row.DisplayName, row.SortName, row.Description, row.IsDesk, row.Tag); err != nil {
		return fmt.Errorf("pki/store: upsert journalist profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJournalistProfile(ctx context.Context, journalistID string) (JournalistProfileRow, error) {
	var r JournalistProfileRow
	err := s.db.QueryRowContext(ctx,
		`SELECT journalist_id, display_name, sort_name, description, is_desk, tag FROM journalist_profiles WHERE journalist_id = $1;`,
		journalistID,
	).Scan(&r.JournalistID, &r.DisplayName, &r.SortName, &r.Description, &r.IsDesk, &r.Tag)
	if err == sql.ErrNoRows {
		return JournalistProfileRow{}, fmt.Errorf("%w: %s", ErrNotFound, journalistID)
	}
	if err != nil {
		return JournalistProfileRow{}, fmt.Errorf("pki/store: get journalist profile: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListJournalistProfiles(ctx context.Context) ([]JournalistProfileRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT journalist_id, display_name, sort_name, description, is_desk, tag FROM journalist_profiles ORDER BY sort_name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("pki/store: list journalist profiles: %w", err)
	}
	defer rows.Close()

	var out []JournalistProfileRow
	for rows.Next() {
		var r JournalistProfileRow
		if err := rows.Scan(&r.JournalistID, &r.DisplayName, &r.SortName, &r.Description, &r.IsDesk, &r.Tag); err != nil {
			return nil, fmt.Errorf("pki/store: scan journalist profile: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendDeadDrop(ctx context.Context, direction string, row DeadDropRow) (DeadDropRow, error) {
	table, err := deadDropTable(direction)
	if err != nil {
		return DeadDropRow{}, err
	}

	var id int64
	if table == "dead_drops_u2j" {
		if row.Epoch == nil {
			return DeadDropRow{}, fmt.Errorf("pki/store: u2j dead drop requires an epoch")
		}
		q := `INSERT INTO dead_drops_u2j (created_at, data, signature, epoch, cert) VALUES ($1, $2, $3, $4, $5) RETURNING id;`
		err = s.db.QueryRowContext(ctx, q, row.CreatedAt, row.Data, row.Signature[:], int64(*row.Epoch), row.Cert).Scan(&id)
	} else {
		q := `INSERT INTO dead_drops_j2u (created_at, data, signature, cert) VALUES ($1, $2, $3, $4) RETURNING id;`
		err = s.db.QueryRowContext(ctx, q, row.CreatedAt, row.Data, row.Signature[:], row.Cert).Scan(&id)
	}
	if err != nil {
		return DeadDropRow{}, fmt.Errorf("pki/store: append dead drop: %w", err)
	}
	row.ID = id
	return row, nil
}

func (s *PostgresStore) ListDeadDropsAfter(ctx context.Context, direction string, afterID int64, limit int) ([]DeadDropRow, error) {
	table, err := deadDropTable(direction)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	hasEpoch := table == "dead_drops_u2j"
	cols := "id, created_at, data, signature, cert"
	if hasEpoch {
		cols = "id, created_at, data, signature, epoch, cert"
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id > $1 ORDER BY id ASC LIMIT $2;`, cols, table)

	rows, err := s.db.QueryContext(ctx, q, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("pki/store: list dead drops: %w", err)
	}
	defer rows.Close()

	var out []DeadDropRow
	for rows.Next() {
		var r DeadDropRow
		var sig []byte
		var epoch sql.NullInt64
		var cert []byte
		var scanErr error
		if hasEpoch {
			scanErr = rows.Scan(&r.ID, &r.CreatedAt, &r.Data, &sig, &epoch, &cert)
		} else {
			scanErr = rows.Scan(&r.ID, &r.CreatedAt, &r.Data, &sig, &cert)
		}
		if scanErr != nil {
			return nil, fmt.Errorf("pki/store: scan dead drop: %w", scanErr)
		}
		copy(r.Signature[:], sig)
		r.CreatedAt = r.CreatedAt.UTC()
		r.Cert = cert
		if epoch.Valid {
			e := uint32(epoch.Int64)
			r.Epoch = &e
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendStatusEvent(ctx context.Context, row StatusEventRow) (StatusEventRow, error) {
	now := s.clock().UTC()
	q := `INSERT INTO system_status_events (created_at, status, detail, signature) VALUES ($1, $2, $3, $4) RETURNING id;`
	var id int64
	if err := s.db.QueryRowContext(ctx, q, now, row.Status, row.Detail, row.Signature[:]).Scan(&id); err != nil {
		return StatusEventRow{}, fmt.Errorf("pki/store: append status event: %w", err)
	}
	row.ID = id
	row.CreatedAt = now
	return row, nil
}

func (s *PostgresStore) ListStatusEventsAfter(ctx context.Context, afterID int64, limit int) ([]StatusEventRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, status, detail, signature FROM system_status_events WHERE id > $1 ORDER BY id ASC LIMIT $2;`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("pki/store: list status events: %w", err)
	}
	defer rows.Close()

	var out []StatusEventRow
	for rows.Next() {
		var r StatusEventRow
		var sig []byte
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Status, &r.Detail, &sig); err != nil {
			return nil, fmt.Errorf("pki/store: scan status event: %w", err)
		}
		copy(r.Signature[:], sig)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func deadDropTable(direction string) (string, error) {
	switch strings.ToLower(direction) {
	case DirectionUserToJournalist:
		return "dead_drops_u2j", nil
	case DirectionJournalistToUser:
		return "dead_drops_j2u", nil
	default:
		return "", fmt.Errorf("pki/store: unknown direction %q", direction)
	}
}
