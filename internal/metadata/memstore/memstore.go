// Package memstore is an in-memory metadata.Store. It enforces the same
// uniqueness rules as the Postgres schema so dedup races behave alike.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

type dedupKey struct {
	storageID int
	dirType   models.DirType
	hash      string
}

type storageInfo struct {
	instance string
	kind     models.StorageKind
}

// Store keeps records in maps guarded by a mutex.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	records  map[int64]models.FileRecord
	dedup    map[dedupKey]int64
	publicID map[string]int64
	storages map[int]storageInfo

	now func() time.Time
}

var _ metadata.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		nextID:   1,
		records:  make(map[int64]models.FileRecord),
		dedup:    make(map[dedupKey]int64),
		publicID: make(map[string]int64),
		storages: make(map[int]storageInfo),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for CreatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// RegisterStorage records the instance and kind of a storage id. Instance
// scoped lookups and ListExpired only see records on registered storages.
func (s *Store) RegisterStorage(id int, instance string, kind models.StorageKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storages[id] = storageInfo{instance: instance, kind: kind}
}

// Get returns a record by id.
func (s *Store) Get(_ context.Context, id int64) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return &rec, nil
}

// GetPublic returns a public record by public id within instance.
func (s *Store) GetPublic(_ context.Context, instance, publicID string) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.publicID[publicID]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	rec := s.records[id]
	if rec.DirType != models.DirPublic || s.storages[rec.StorageID].instance != instance {
		return nil, metadata.ErrNotFound
	}
	return &rec, nil
}

// FindByHash returns the record holding hash on (storageID, dirType).
func (s *Store) FindByHash(_ context.Context, storageID int, dirType models.DirType, hash string) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.dedup[dedupKey{storageID, dirType, hash}]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	rec := s.records[id]
	return &rec, nil
}

// FindByInstanceHash returns the lowest-id record with hash on any storage of instance.
func (s *Store) FindByInstanceHash(_ context.Context, instance, hash string) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.FileRecord
	for _, rec := range s.records {
		if rec.Hash != hash || s.storages[rec.StorageID].instance != instance {
			continue
		}
		if best == nil || rec.ID < best.ID {
			r := rec
			best = &r
		}
	}
	if best == nil {
		return nil, metadata.ErrNotFound
	}
	return best, nil
}

// Insert stores rec, failing with metadata.ErrConflict on a duplicate
// (storage, dir type, hash).
func (s *Store) Insert(_ context.Context, rec *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey{rec.StorageID, rec.DirType, rec.Hash}
	if rec.Hash != "" {
		if _, exists := s.dedup[key]; exists {
			return metadata.ErrConflict
		}
	}
	if rec.PublicID != "" {
		if _, exists := s.publicID[rec.PublicID]; exists {
			return metadata.ErrConflict
		}
	}

	rec.ID = s.nextID
	s.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.records[rec.ID] = *rec
	if rec.Hash != "" {
		s.dedup[key] = rec.ID
	}
	if rec.PublicID != "" {
		s.publicID[rec.PublicID] = rec.ID
	}
	return nil
}

// Delete removes a record by id.
func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return metadata.ErrNotFound
	}
	delete(s.records, id)
	if rec.Hash != "" {
		delete(s.dedup, dedupKey{rec.StorageID, rec.DirType, rec.Hash})
	}
	if rec.PublicID != "" {
		delete(s.publicID, rec.PublicID)
	}
	return nil
}

// ListExpired returns one page of records created at or before q.Cutoff on
// storages of q.Kinds.
func (s *Store) ListExpired(_ context.Context, q metadata.ExpiredQuery) ([]models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kinds := make(map[models.StorageKind]bool, len(q.Kinds))
	for _, k := range q.Kinds {
		kinds[k] = true
	}

	var out []models.FileRecord
	for _, rec := range s.records {
		info, ok := s.storages[rec.StorageID]
		if !ok || !kinds[info.kind] {
			continue
		}
		if rec.ID > q.AfterID && !rec.CreatedAt.After(q.Cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
