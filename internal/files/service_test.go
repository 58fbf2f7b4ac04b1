package files

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata/memstore"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage/memory"
)

type fixture struct {
	svc     *Service
	backend *memory.Backend
	store   *memstore.Store
	reg     *storage.Registry
}

func newFixture(t *testing.T, backend storage.Backend) *fixture {
	t.Helper()
	mem := memory.New()
	if backend == nil {
		backend = mem
	}
	reg := storage.NewRegistry(func(context.Context, models.StorageConfig) (storage.Backend, error) {
		return backend, nil
	})
	_, err := reg.Upsert(context.Background(), models.StorageConfig{
		ID: 1, Instance: "acme", Kind: models.KindMemory, IsDefault: true,
	})
	require.NoError(t, err)

	store := memstore.New()
	store.RegisterStorage(1, "acme", models.KindMemory)

	return &fixture{svc: NewService(store, reg), backend: mem, store: store, reg: reg}
}

func upload(dir models.DirType, data string) UploadInput {
	return UploadInput{
		Instance: "acme",
		DirType:  dir,
		Filename: "report.pdf",
		MimeType: "application/pdf",
		Data:     []byte(data),
	}
}

func TestUploadDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Upload(ctx, upload(models.DirPrivate, "same bytes"))
	require.NoError(t, err)
	second, err := f.svc.Upload(ctx, upload(models.DirPrivate, "same bytes"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.backend.Writes(), "dedup hit must not write bytes")
	assert.Equal(t, HashBytes([]byte("same bytes")), first.Hash)
	assert.Empty(t, first.PublicID, "private files have no public id")

	// Same bytes in another dir type are a separate file.
	pub, err := f.svc.Upload(ctx, upload(models.DirPublic, "same bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, pub.ID)
	assert.NotEmpty(t, pub.PublicID)
}

func TestUploadEmptyPayload(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.svc.Upload(context.Background(), upload(models.DirPublic, ""))
	require.NoError(t, err)
	assert.Zero(t, rec.Size)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", rec.Hash)
}

func TestConcurrentIdenticalUploadsConverge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 16
	ids := make([]int64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			rec, err := f.svc.Upload(ctx, upload(models.DirPublic, "contended payload"))
			if err != nil {
				return err
			}
			ids[i] = rec.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.backend.Len(), "orphaned bytes must be removed")
	assert.Equal(t, f.backend.Writes()-1, f.backend.Deletes())
}

func TestReadBackMatchesHash(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Upload(ctx, upload(models.DirPrivate, "the quick brown fox"))
	require.NoError(t, err)

	got, data, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Hash, HashBytes(data))
	assert.Equal(t, "report.pdf", got.Name)
}

func TestDeleteThenNotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Upload(ctx, upload(models.DirPublic, "bye"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, rec.ID))

	_, _, err = f.svc.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, rec.ID), metadata.ErrNotFound)
	assert.Zero(t, f.backend.Len())
}

func TestDeleteToleratesMissingBytes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Upload(ctx, upload(models.DirPublic, "gone"))
	require.NoError(t, err)
	require.NoError(t, f.backend.Delete(ctx, rec.PhysicalID, rec.DirType))

	require.NoError(t, f.svc.Delete(ctx, rec.ID))
	_, err = f.svc.GetMetadata(ctx, rec.ID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestDeleteKeepsRecordWhenBackendFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Upload(ctx, upload(models.DirPublic, "sticky"))
	require.NoError(t, err)
	f.backend.FailDelete = func(string) error { return storage.ErrUnavailable }

	assert.ErrorIs(t, f.svc.Delete(ctx, rec.ID), storage.ErrUnavailable)
	_, err = f.svc.GetMetadata(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []UploadInput{
		{Instance: "", DirType: models.DirPublic, Filename: "a"},
		{Instance: "acme", DirType: models.DirPublic, Filename: ""},
		{Instance: "acme", DirType: "shared", Filename: "a"},
	}
	for _, in := range cases {
		_, err := f.svc.Upload(ctx, in)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "input %+v", in)
	}

	_, err := f.svc.Upload(ctx, UploadInput{Instance: "nobody", DirType: models.DirPublic, Filename: "a"})
	assert.ErrorIs(t, err, storage.ErrNoDefaultStorage)
}

func TestGetPublic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Upload(ctx, upload(models.DirPublic, "public bytes"))
	require.NoError(t, err)

	got, data, err := f.svc.GetPublic(ctx, "acme", rec.PublicID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "public bytes", string(data))

	_, _, err = f.svc.GetPublic(ctx, "other", rec.PublicID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestExists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.svc.Upload(ctx, upload(models.DirPrivate, "findme"))
	require.NoError(t, err)

	got, err := f.svc.Exists(ctx, "acme", rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = f.svc.Exists(ctx, "acme", HashBytes([]byte("other")))
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	var verr *ValidationError
	_, err = f.svc.Exists(ctx, "acme", "not-a-hash")
	assert.ErrorAs(t, err, &verr)
}

// racingStore reports a conflict on every insert, as if another upload of
// the same content committed first, and never finds that winner again.
type racingStore struct {
	*memstore.Store
}

func (r *racingStore) Insert(context.Context, *models.FileRecord) error {
	return metadata.ErrConflict
}

func (r *racingStore) FindByHash(context.Context, int, models.DirType, string) (*models.FileRecord, error) {
	return nil, metadata.ErrNotFound
}

func TestUploadRaceWithVanishedWinner(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.store = &racingStore{Store: f.store}

	_, err := f.svc.Upload(context.Background(), upload(models.DirPublic, "lost race"))
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	assert.Zero(t, f.backend.Len(), "orphan bytes must be deleted")
}

// externalBackend adds import and export to the memory backend.
type externalBackend struct {
	*memory.Backend
	exported []string
}

func (e *externalBackend) ImportExternal(ctx context.Context, mediaID string) (*models.ImportedMedia, error) {
	if mediaID == "wamid.missing" {
		return nil, &storage.RejectedError{Status: 400, Message: "unknown media"}
	}
	id, err := e.Write(ctx, models.DirPublic, []byte("ogg"), "voice.ogg")
	if err != nil {
		return nil, err
	}
	return &models.ImportedMedia{PhysicalID: id, Name: "voice.ogg", MimeType: "audio/ogg", Size: 3}, nil
}

func (e *externalBackend) ExportExternal(_ context.Context, physicalID string, _ models.DirType) (string, error) {
	if !e.Has(physicalID) {
		return "", storage.ErrNotFound
	}
	e.exported = append(e.exported, physicalID)
	return "wamid.out", nil
}

func TestImportAndExport(t *testing.T) {
	ext := &externalBackend{Backend: memory.New()}
	f := newFixture(t, ext)
	ctx := context.Background()

	rec, err := f.svc.ImportFromExternalMedia(ctx, "acme", "wamid.in")
	require.NoError(t, err)
	assert.Equal(t, models.DirPublic, rec.DirType)
	assert.Empty(t, rec.Hash)
	assert.NotEmpty(t, rec.PublicID)
	assert.Equal(t, "audio/ogg", rec.MimeType)

	// Imports are not deduplicated.
	again, err := f.svc.ImportFromExternalMedia(ctx, "acme", "wamid.in")
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, again.ID)

	mediaID, err := f.svc.ExportToExternalMediaID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "wamid.out", mediaID)
	assert.Equal(t, []string{rec.PhysicalID}, ext.exported)

	_, err = f.svc.ImportFromExternalMedia(ctx, "acme", "wamid.missing")
	var rejected *storage.RejectedError
	assert.True(t, errors.As(err, &rejected))

	_, err = f.svc.ExportToExternalMediaID(ctx, 9999)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestImportUnsupportedByBackend(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.ImportFromExternalMedia(context.Background(), "acme", "wamid.1")
	assert.ErrorIs(t, err, storage.ErrUnsupported)
	assert.Zero(t, f.store.Len())
}
