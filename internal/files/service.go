// Package files implements the file lifecycle: deduplicated upload, read,
// delete, and exchange with the external messaging platform.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

// ValidationError reports a malformed request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// UploadInput is one file to store.
type UploadInput struct {
	Instance string
	DirType  models.DirType
	Filename string
	MimeType string
	Data     []byte
}

// Resolver maps storage ids and instances to backends.
type Resolver interface {
	ResolveByID(id int) (*storage.Location, error)
	ResolveDefault(instance string) (*storage.Location, error)
}

// Service coordinates the metadata store and storage backends.
type Service struct {
	store    metadata.Store
	resolver Resolver
}

// NewService creates a Service.
func NewService(store metadata.Store, resolver Resolver) *Service {
	return &Service{store: store, resolver: resolver}
}

// HashBytes returns the lowercase hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload stores in.Data on the instance's default storage, or returns the
// existing record when identical content is already stored there.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.FileRecord, error) {
	if strings.TrimSpace(in.Instance) == "" {
		return nil, invalid("instance is required")
	}
	if strings.TrimSpace(in.Filename) == "" {
		return nil, invalid("filename is required")
	}
	if !in.DirType.Valid() {
		return nil, invalid("dirType must be public or private, got %q", in.DirType)
	}
	if in.MimeType == "" {
		in.MimeType = "application/octet-stream"
	}

	loc, err := s.resolver.ResolveDefault(in.Instance)
	if err != nil {
		return nil, err
	}

	logging.AddFields(ctx,
		zap.String("instance", in.Instance),
		zap.Int("storage_id", loc.ID),
		zap.String("dir_type", string(in.DirType)))
	log := logging.WithContext(ctx)

	hash := HashBytes(in.Data)

	existing, err := s.store.FindByHash(ctx, loc.ID, in.DirType, hash)
	if err == nil {
		metrics.RecordDedupHit()
		log.Info("dedup hit", zap.Int64("file_id", existing.ID), zap.String("hash", hash))
		return existing, nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	bctx := context.WithoutCancel(ctx)
	physicalID, err := loc.Write(bctx, in.DirType, in.Data, in.Filename)
	if err != nil {
		metrics.RecordContentUpload(0, false)
		return nil, fmt.Errorf("write to %s storage %d: %w", loc.Type(), loc.ID, err)
	}

	rec := &models.FileRecord{
		StorageID:  loc.ID,
		PhysicalID: physicalID,
		DirType:    in.DirType,
		Name:       in.Filename,
		MimeType:   in.MimeType,
		Size:       int64(len(in.Data)),
		Hash:       hash,
	}
	if in.DirType == models.DirPublic {
		rec.PublicID = uuid.NewString()
	}

	err = s.store.Insert(bctx, rec)
	switch {
	case err == nil:
		metrics.RecordContentUpload(rec.Size, true)
		log.Info("file uploaded",
			zap.Int64("file_id", rec.ID),
			zap.Int64("size", rec.Size),
			zap.String("hash", hash))
		return rec, nil

	case errors.Is(err, metadata.ErrConflict):
		// A concurrent upload of the same content committed first.
		metrics.RecordDedupRace()
		s.discard(bctx, loc, physicalID, in.DirType)

		winner, ferr := s.store.FindByHash(bctx, loc.ID, in.DirType, hash)
		if ferr != nil {
			return nil, fmt.Errorf("re-fetch dedup winner: %w", ferr)
		}
		log.Info("dedup race reconciled", zap.Int64("file_id", winner.ID), zap.String("hash", hash))
		return winner, nil

	default:
		metrics.RecordContentUpload(0, false)
		s.discard(bctx, loc, physicalID, in.DirType)
		return nil, fmt.Errorf("insert file record: %w", err)
	}
}

// discard deletes bytes no record points to. Failures only leak storage.
func (s *Service) discard(ctx context.Context, loc *storage.Location, physicalID string, dirType models.DirType) {
	if err := loc.Delete(ctx, physicalID, dirType); err != nil {
		logging.WithContext(ctx).Warn("orphan delete failed",
			zap.String("physical_id", physicalID),
			zap.Error(err))
	}
}

// GetMetadata returns the record for id.
func (s *Service) GetMetadata(ctx context.Context, id int64) (*models.FileRecord, error) {
	if id <= 0 {
		return nil, invalid("invalid file id %d", id)
	}
	return s.store.Get(ctx, id)
}

// Get returns the record for id and its bytes.
func (s *Service) Get(ctx context.Context, id int64) (*models.FileRecord, []byte, error) {
	rec, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.read(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

// GetPublic returns a public file of instance by its public id.
func (s *Service) GetPublic(ctx context.Context, instance, publicID string) (*models.FileRecord, []byte, error) {
	if instance == "" || publicID == "" {
		return nil, nil, invalid("instance and public id are required")
	}
	rec, err := s.store.GetPublic(ctx, instance, publicID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.read(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

func (s *Service) read(ctx context.Context, rec *models.FileRecord) ([]byte, error) {
	loc, err := s.resolver.ResolveByID(rec.StorageID)
	if err != nil {
		return nil, err
	}
	data, err := loc.Read(context.WithoutCancel(ctx), rec.PhysicalID, rec.DirType, rec.Name)
	if err != nil {
		metrics.RecordContentDownload(0, false)
		return nil, fmt.Errorf("read file %d: %w", rec.ID, err)
	}
	metrics.RecordContentDownload(int64(len(data)), true)
	return data, nil
}

// Delete removes the bytes of file id, then its record. Bytes that are
// already gone do not block removing the record.
func (s *Service) Delete(ctx context.Context, id int64) error {
	rec, err := s.GetMetadata(ctx, id)
	if err != nil {
		return err
	}
	loc, err := s.resolver.ResolveByID(rec.StorageID)
	if err != nil {
		return err
	}

	bctx := context.WithoutCancel(ctx)
	if err := loc.Delete(bctx, rec.PhysicalID, rec.DirType); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete bytes of file %d: %w", id, err)
	}
	if err := s.store.Delete(bctx, id); err != nil {
		return err
	}

	logging.AddFields(ctx, zap.Int64("file_id", id), zap.Int("storage_id", rec.StorageID))
	logging.WithContext(ctx).Info("file deleted")
	return nil
}

// Exists returns the lowest-id record with hash on any storage of instance.
func (s *Service) Exists(ctx context.Context, instance, hash string) (*models.FileRecord, error) {
	if instance == "" {
		return nil, invalid("instance is required")
	}
	hash = strings.ToLower(hash)
	if !hashPattern.MatchString(hash) {
		return nil, invalid("hash must be 64 hex characters")
	}
	return s.store.FindByInstanceHash(ctx, instance, hash)
}

// ImportFromExternalMedia pulls a WhatsApp Business media object into the
// instance's default storage. Imports are not deduplicated.
func (s *Service) ImportFromExternalMedia(ctx context.Context, instance, mediaID string) (*models.FileRecord, error) {
	if instance == "" || mediaID == "" {
		return nil, invalid("instance and wabaMediaId are required")
	}

	loc, err := s.resolver.ResolveDefault(instance)
	if err != nil {
		return nil, err
	}

	bctx := context.WithoutCancel(ctx)
	media, err := loc.ImportExternal(bctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("import media %s: %w", mediaID, err)
	}

	rec := &models.FileRecord{
		StorageID:  loc.ID,
		PhysicalID: media.PhysicalID,
		DirType:    models.DirPublic,
		Name:       media.Name,
		MimeType:   media.MimeType,
		Size:       media.Size,
		PublicID:   uuid.NewString(),
	}
	if err := s.store.Insert(bctx, rec); err != nil {
		s.discard(bctx, loc, media.PhysicalID, models.DirPublic)
		return nil, fmt.Errorf("insert imported file: %w", err)
	}

	logging.AddFields(ctx,
		zap.String("instance", instance),
		zap.Int64("file_id", rec.ID),
		zap.Int("storage_id", loc.ID))
	logging.WithContext(ctx).Info("external media imported", zap.String("media_id", mediaID))
	return rec, nil
}

// ExportToExternalMediaID publishes file id to WhatsApp Business and returns
// the platform's media id.
func (s *Service) ExportToExternalMediaID(ctx context.Context, id int64) (string, error) {
	rec, err := s.GetMetadata(ctx, id)
	if err != nil {
		return "", err
	}
	loc, err := s.resolver.ResolveByID(rec.StorageID)
	if err != nil {
		return "", err
	}
	mediaID, err := loc.ExportExternal(context.WithoutCancel(ctx), rec.PhysicalID, rec.DirType)
	if err != nil {
		return "", fmt.Errorf("export file %d: %w", id, err)
	}
	return mediaID, nil
}
