// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

const dedupConstraint = "files_dedup_key"

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the *.up.sql files of fsys in lexical order. The DDL is
// idempotent, so running it on every start is safe.
func (s *Store) Migrate(fsys fs.FS) error {
	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)))
		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

const fileColumns = `f.id, f.storage_id, f.physical_id, f.dir_type, f.name, f.mime_type,
	f.size, f.hash, f.public_id, f.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(s rowScanner) (*models.FileRecord, error) {
	var rec models.FileRecord
	var dirType string
	var hash, publicID sql.NullString
	if err := s.Scan(&rec.ID, &rec.StorageID, &rec.PhysicalID, &dirType, &rec.Name,
		&rec.MimeType, &rec.Size, &hash, &publicID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.DirType = models.DirType(dirType)
	rec.Hash = hash.String
	rec.PublicID = publicID.String
	return &rec, nil
}

func (s *Store) queryOne(ctx context.Context, name, query string, args ...any) (*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()

	rec, err := scanFile(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return rec, nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id int64) (*models.FileRecord, error) {
	return s.queryOne(ctx, "get_file",
		`SELECT `+fileColumns+` FROM files f WHERE f.id = $1`, id)
}

// GetPublic returns the public record with publicID on any storage of instance.
func (s *Store) GetPublic(ctx context.Context, instance, publicID string) (*models.FileRecord, error) {
	return s.queryOne(ctx, "get_public_file",
		`SELECT `+fileColumns+` FROM files f
		 JOIN storages s ON s.id = f.storage_id
		 WHERE f.public_id = $1 AND s.instance = $2 AND f.dir_type = 'public'`,
		publicID, instance)
}

// FindByHash returns the record holding hash on (storageID, dirType).
func (s *Store) FindByHash(ctx context.Context, storageID int, dirType models.DirType, hash string) (*models.FileRecord, error) {
	return s.queryOne(ctx, "find_file_by_hash",
		`SELECT `+fileColumns+` FROM files f
		 WHERE f.storage_id = $1 AND f.dir_type = $2 AND f.hash = $3`,
		storageID, string(dirType), hash)
}

// FindByInstanceHash returns the lowest-id record with hash on any storage of instance.
func (s *Store) FindByInstanceHash(ctx context.Context, instance, hash string) (*models.FileRecord, error) {
	return s.queryOne(ctx, "find_file_by_instance_hash",
		`SELECT `+fileColumns+` FROM files f
		 JOIN storages s ON s.id = f.storage_id
		 WHERE s.instance = $1 AND f.hash = $2
		 ORDER BY f.id LIMIT 1`,
		instance, hash)
}

// Insert stores rec. A duplicate (storage, dir type, hash) yields
// metadata.ErrConflict.
func (s *Store) Insert(ctx context.Context, rec *models.FileRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_file", time.Since(start)) }()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO files (storage_id, physical_id, dir_type, name, mime_type, size, hash, public_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		rec.StorageID, rec.PhysicalID, string(rec.DirType), rec.Name, rec.MimeType, rec.Size,
		nullable(rec.Hash), nullable(rec.PublicID)).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isDedupViolation(err) {
			return metadata.ErrConflict
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// Delete removes a record by id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_file", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if n == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// ListExpired returns one page of records created at or before q.Cutoff on
// storages of q.Kinds, ordered by id.
func (s *Store) ListExpired(ctx context.Context, q metadata.ExpiredQuery) ([]models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_expired_files", time.Since(start)) }()

	kinds := make([]string, len(q.Kinds))
	for i, k := range q.Kinds {
		kinds[i] = string(k)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files f
		 JOIN storages s ON s.id = f.storage_id
		 WHERE f.created_at <= $1 AND s.kind = ANY($2) AND f.id > $3
		 ORDER BY f.id
		 LIMIT $4`,
		q.Cutoff, pq.Array(kinds), q.AfterID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list expired files: %w", err)
	}
	defer rows.Close()

	var out []models.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired file: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isDedupViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == dedupConstraint
}
