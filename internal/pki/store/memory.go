package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, used by tests and by cmd/api when
// API_POSTGRES_DSN is unset, for local development without a Postgres instance.
type MemoryStore struct {
	mu sync.Mutex

	clock Clock

	orgKeys  []OrganizationKeyRow
	roleKeys []ChildKeyRow
	epoch    uint32

	profiles map[string]JournalistProfileRow

	u2j []DeadDropRow
	j2u []DeadDropRow

	statusEvents []StatusEventRow

	nextOrgID    int64
	nextRoleID   int64
	nextU2JID    int64
	nextJ2UID    int64
	nextStatusID int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		clock:    clock,
		profiles: map[string]JournalistProfileRow{},
	}
}

func (m *MemoryStore) InsertOrganizationKey(ctx context.Context, row OrganizationKeyRow) (OrganizationKeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.orgKeys {
		if existing.KeyBytes == row.KeyBytes && existing.Signature == row.Signature && existing.NotValidAfter.Equal(row.NotValidAfter) {
			return existing, nil
		}
	}

	m.nextOrgID++
	row.ID = m.nextOrgID
	row.CreatedAt = m.clock().UTC()
	m.orgKeys = append(m.orgKeys, row)
	return row, nil
}

func (m *MemoryStore) ListOrganizationKeys(ctx context.Context) ([]OrganizationKeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrganizationKeyRow, len(m.orgKeys))
	copy(out, m.orgKeys)
	return out, nil
}

func (m *MemoryStore) InsertChildKey(ctx context.Context, row ChildKeyRow) (ChildKeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRoleID++
	m.epoch++
	row.ID = m.nextRoleID
	row.Epoch = m.epoch
	row.CreatedAt = m.clock().UTC()
	m.roleKeys = append(m.roleKeys, row)
	return row, nil
}

func (m *MemoryStore) ListChildKeys(ctx context.Context, role string) ([]ChildKeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ChildKeyRow
	for _, r := range m.roleKeys {
		if r.Role == role {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) MaxEpoch(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, nil
}

func (m *MemoryStore) UpsertJournalistProfile(ctx context.Context, row JournalistProfileRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[row.JournalistID] = row
	return nil
}

func (m *MemoryStore) GetJournalistProfile(ctx context.Context, journalistID string) (JournalistProfileRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.profiles[journalistID]
	if !ok {
		return JournalistProfileRow{}, fmt.Errorf("%w: %s", ErrNotFound, journalistID)
	}
	return r, nil
}

func (m *MemoryStore) ListJournalistProfiles(ctx context.Context) ([]JournalistProfileRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JournalistProfileRow, 0, len(m.profiles))
	for _, r := range m.profiles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortName < out[j].SortName })
	return out, nil
}

func (m *MemoryStore) AppendDeadDrop(ctx context.Context, direction string, row DeadDropRow) (DeadDropRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch direction {
	case DirectionUserToJournalist:
		m.nextU2JID++
		row.ID = m.nextU2JID
		m.u2j = append(m.u2j, row)
	case DirectionJournalistToUser:
		m.nextJ2UID++
		row.ID = m.nextJ2UID
		m.j2u = append(m.j2u, row)
	default:
		return DeadDropRow{}, fmt.Errorf("pki/store: unknown direction %q", direction)
	}
	return row, nil
}

func (m *MemoryStore) ListDeadDropsAfter(ctx context.Context, direction string, afterID int64, limit int) ([]DeadDropRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var src []DeadDropRow
	switch direction {
	case DirectionUserToJournalist:
		src = m.u2j
	case DirectionJournalistToUser:
		src = m.j2u
	default:
		return nil, fmt.Errorf("pki/store: unknown direction %q", direction)
	}
	if limit <= 0 {
		limit = 1000
	}

	var out []DeadDropRow
	for _, r := range src {
		if r.ID > afterID {
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendStatusEvent(ctx context.Context, row StatusEventRow) (StatusEventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStatusID++
	row.ID = m.nextStatusID
	row.CreatedAt = m.clock().UTC()
	m.statusEvents = append(m.statusEvents, row)
	return row, nil
}

func (m *MemoryStore) ListStatusEventsAfter(ctx context.Context, afterID int64, limit int) ([]StatusEventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	var out []StatusEventRow
	for _, r := range m.statusEvents {
		if r.ID > afterID {
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
