package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock { return func() time.Time { return t } }

func TestMemoryStore_InsertChildKeyAssignsIncreasingEpochs(t *testing.T) {
	s := NewMemoryStore(fixedClock(time.Unix(1000, 0)))
	ctx := context.Background()

	a, err := s.InsertChildKey(ctx, ChildKeyRow{Role: "journalist_messaging", EntityID: "alice"})
	require.NoError(t, err)
	b, err := s.InsertChildKey(ctx, ChildKeyRow{Role: "journalist_messaging", EntityID: "bob"})
	require.NoError(t, err)

	assert.Equal(t, uint32(1), a.Epoch)
	assert.Equal(t, uint32(2), b.Epoch)

	maxEpoch, err := s.MaxEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), maxEpoch)
}

func TestMemoryStore_AppendDeadDropAssignsStrictlyIncreasingIDsPerDirection(t *testing.T) {
	s := NewMemoryStore(fixedClock(time.Unix(1000, 0)))
	ctx := context.Background()

	d1, err := s.AppendDeadDrop(ctx, DirectionUserToJournalist, DeadDropRow{Data: []byte("a")})
	require.NoError(t, err)
	d2, err := s.AppendDeadDrop(ctx, DirectionUserToJournalist, DeadDropRow{Data: []byte("b")})
	require.NoError(t, err)
	j1, err := s.AppendDeadDrop(ctx, DirectionJournalistToUser, DeadDropRow{Data: []byte("c")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), d1.ID)
	assert.Equal(t, int64(2), d2.ID)
	assert.Equal(t, int64(1), j1.ID) // independent sequence per direction

	listed, err := s.ListDeadDropsAfter(ctx, DirectionUserToJournalist, 0, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	listed, err = s.ListDeadDropsAfter(ctx, DirectionUserToJournalist, 1, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, int64(2), listed[0].ID)
}

func TestMemoryStore_InsertOrganizationKeyIsIdempotent(t *testing.T) {
	s := NewMemoryStore(fixedClock(time.Unix(1000, 0)))
	ctx := context.Background()

	row := OrganizationKeyRow{KeyBytes: [32]byte{1, 2, 3}, NotValidAfter: time.Unix(2000, 0)}
	first, err := s.InsertOrganizationKey(ctx, row)
	require.NoError(t, err)
	second, err := s.InsertOrganizationKey(ctx, row)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	all, err := s.ListOrganizationKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_JournalistProfileNotFound(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.GetJournalistProfile(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
