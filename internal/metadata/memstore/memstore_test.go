package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

const hashA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestInsertEnforcesDedupKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &models.FileRecord{StorageID: 1, DirType: models.DirPublic, Hash: hashA, PhysicalID: "a"}
	require.NoError(t, s.Insert(ctx, first))
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	dup := &models.FileRecord{StorageID: 1, DirType: models.DirPublic, Hash: hashA, PhysicalID: "b"}
	assert.ErrorIs(t, s.Insert(ctx, dup), metadata.ErrConflict)

	// Different dir type or storage is a different key.
	require.NoError(t, s.Insert(ctx, &models.FileRecord{StorageID: 1, DirType: models.DirPrivate, Hash: hashA}))
	require.NoError(t, s.Insert(ctx, &models.FileRecord{StorageID: 2, DirType: models.DirPublic, Hash: hashA}))

	// Empty hashes never collide.
	require.NoError(t, s.Insert(ctx, &models.FileRecord{StorageID: 1, DirType: models.DirPublic}))
	require.NoError(t, s.Insert(ctx, &models.FileRecord{StorageID: 1, DirType: models.DirPublic}))

	got, err := s.FindByHash(ctx, 1, models.DirPublic, hashA)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestDeleteFreesDedupKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := &models.FileRecord{StorageID: 1, DirType: models.DirPublic, Hash: hashA, PublicID: "pub"}
	require.NoError(t, s.Insert(ctx, rec))
	require.NoError(t, s.Delete(ctx, rec.ID))

	_, err := s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, rec.ID), metadata.ErrNotFound)

	require.NoError(t, s.Insert(ctx, &models.FileRecord{StorageID: 1, DirType: models.DirPublic, Hash: hashA, PublicID: "pub"}))
}

func TestInstanceScopedLookups(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.RegisterStorage(1, "acme", models.KindLocal)
	s.RegisterStorage(2, "acme", models.KindRemote)
	s.RegisterStorage(3, "globex", models.KindLocal)

	a := &models.FileRecord{StorageID: 2, DirType: models.DirPublic, Hash: hashA, PublicID: "p-a"}
	b := &models.FileRecord{StorageID: 1, DirType: models.DirPublic, Hash: hashA}
	c := &models.FileRecord{StorageID: 3, DirType: models.DirPublic, Hash: hashA, PublicID: "p-c"}
	for _, r := range []*models.FileRecord{a, b, c} {
		require.NoError(t, s.Insert(ctx, r))
	}

	got, err := s.FindByInstanceHash(ctx, "acme", hashA)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID, "lowest id wins")

	_, err = s.FindByInstanceHash(ctx, "initech", hashA)
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	got, err = s.GetPublic(ctx, "globex", "p-c")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = s.GetPublic(ctx, "acme", "p-c")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestListExpiredFiltersAndPages(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.RegisterStorage(1, "acme", models.KindLocal)
	s.RegisterStorage(2, "acme", models.KindRemote)

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, tc := range []struct {
		storage int
		created time.Time
	}{{1, old}, {2, old}, {1, recent}, {1, old}, {1, old}} {
		rec := &models.FileRecord{StorageID: tc.storage, DirType: models.DirPrivate, CreatedAt: tc.created, PhysicalID: string(rune('a' + i))}
		require.NoError(t, s.Insert(ctx, rec))
	}

	q := metadata.ExpiredQuery{Cutoff: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Kinds: models.DiskKinds(), Limit: 2}
	page, err := s.ListExpired(ctx, q)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{1, 4}, []int64{page[0].ID, page[1].ID})

	q.AfterID = page[1].ID
	page, err = s.ListExpired(ctx, q)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(5), page[0].ID)

	q.AfterID = page[0].ID
	page, err = s.ListExpired(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, page)
}
