// Package metadata defines the FileRecord store used by the file lifecycle
// service and the retention cleaner.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("file not found")

	// ErrConflict is returned by Insert when a record with the same
	// (storage, dir type, hash) already exists.
	ErrConflict = errors.New("file with the same content already exists")
)

// ExpiredQuery selects one page of records created at or before Cutoff.
type ExpiredQuery struct {
	Cutoff  time.Time
	Kinds   []models.StorageKind // only records on storages of these kinds
	AfterID int64                // exclusive cursor; 0 starts from the beginning
	Limit   int
}

// Store persists FileRecords.
type Store interface {
	Get(ctx context.Context, id int64) (*models.FileRecord, error)

	// GetPublic finds a public record by its public id within instance.
	GetPublic(ctx context.Context, instance, publicID string) (*models.FileRecord, error)

	// FindByHash returns the record deduplicating (storageID, dirType, hash).
	FindByHash(ctx context.Context, storageID int, dirType models.DirType, hash string) (*models.FileRecord, error)

	// FindByInstanceHash returns the lowest-id record with hash on any
	// storage of instance.
	FindByInstanceHash(ctx context.Context, instance, hash string) (*models.FileRecord, error)

	// Insert stores rec and fills in ID and CreatedAt.
	Insert(ctx context.Context, rec *models.FileRecord) error

	Delete(ctx context.Context, id int64) error

	// ListExpired returns records ordered by id ascending.
	ListExpired(ctx context.Context, q ExpiredQuery) ([]models.FileRecord, error)
}
