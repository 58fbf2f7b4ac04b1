package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

// ErrDuplicateDefault is returned when a write would leave an instance with
// two defaults.
var ErrDuplicateDefault = errors.New("instance already has a default storage")

// ConfigRepository persists storage configurations.
type ConfigRepository interface {
	ConfigSource
	Get(ctx context.Context, id int) (*models.StorageConfig, error)
	Create(ctx context.Context, cfg *models.StorageConfig) error
	Update(ctx context.Context, cfg *models.StorageConfig) error
	// SetDefault makes id the default of its instance and clears the previous
	// default in the same transaction. It returns the updated row.
	SetDefault(ctx context.Context, id int) (*models.StorageConfig, error)
}

// ConfigStore provides CRUD operations for the storages table.
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates a new ConfigStore.
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

const storageColumns = `id, instance, kind, is_default, config, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(s rowScanner) (*models.StorageConfig, error) {
	var cfg models.StorageConfig
	var kind string
	var raw []byte
	if err := s.Scan(&cfg.ID, &cfg.Instance, &kind, &cfg.IsDefault, &raw, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	cfg.Kind = models.StorageKind(kind)
	cfg.Config = json.RawMessage(raw)
	return &cfg, nil
}

func mapWriteErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "storages_default_per_instance" {
		return ErrDuplicateDefault
	}
	return err
}

func configOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// List returns all storage configurations ordered by id.
func (s *ConfigStore) List(ctx context.Context) ([]models.StorageConfig, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_storages", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storageColumns+` FROM storages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list storages: %w", err)
	}
	defer rows.Close()

	var out []models.StorageConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan storage: %w", err)
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// Get returns a storage configuration by id.
func (s *ConfigStore) Get(ctx context.Context, id int) (*models.StorageConfig, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_storage", time.Since(start)) }()

	cfg, err := scanConfig(s.db.QueryRowContext(ctx,
		`SELECT `+storageColumns+` FROM storages WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrStorageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get storage: %w", err)
	}
	return cfg, nil
}

// Create inserts cfg and fills in its generated id and timestamps. A default
// row demotes the instance's previous default in the same transaction.
func (s *ConfigStore) Create(ctx context.Context, cfg *models.StorageConfig) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_storage", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cfg.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE storages SET is_default = FALSE, updated_at = NOW()
			 WHERE instance = $1 AND is_default = TRUE`, cfg.Instance); err != nil {
			return fmt.Errorf("clear default: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO storages (instance, kind, is_default, config)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		cfg.Instance, string(cfg.Kind), cfg.IsDefault, configOrEmpty(cfg.Config)).
		Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create storage: %w", mapWriteErr(err))
	}
	return tx.Commit()
}

// Update replaces the kind and config of an existing row. The default flag
// is changed only through SetDefault.
func (s *ConfigStore) Update(ctx context.Context, cfg *models.StorageConfig) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_storage", time.Since(start)) }()

	err := s.db.QueryRowContext(ctx,
		`UPDATE storages SET kind = $2, config = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING instance, is_default, created_at, updated_at`,
		cfg.ID, string(cfg.Kind), configOrEmpty(cfg.Config)).
		Scan(&cfg.Instance, &cfg.IsDefault, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %d", ErrStorageNotFound, cfg.ID)
	}
	if err != nil {
		return fmt.Errorf("update storage: %w", err)
	}
	return nil
}

// SetDefault sets a storage as its instance's default (clears previous default).
func (s *ConfigStore) SetDefault(ctx context.Context, id int) (*models.StorageConfig, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_default_storage", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var instance string
	err = tx.QueryRowContext(ctx,
		`SELECT instance FROM storages WHERE id = $1 FOR UPDATE`, id).Scan(&instance)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrStorageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock storage: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE storages SET is_default = FALSE, updated_at = NOW()
		 WHERE instance = $1 AND is_default = TRUE AND id <> $2`, instance, id); err != nil {
		return nil, fmt.Errorf("clear default: %w", err)
	}

	cfg, err := scanConfig(tx.QueryRowContext(ctx,
		`UPDATE storages SET is_default = TRUE, updated_at = NOW() WHERE id = $1
		 RETURNING `+storageColumns, id))
	if err != nil {
		return nil, fmt.Errorf("set default: %w", mapWriteErr(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MemoryConfigStore is a ConfigRepository kept in process memory.
type MemoryConfigStore struct {
	mu     sync.Mutex
	rows   map[int]models.StorageConfig
	nextID int
	now    func() time.Time
}

// NewMemoryConfigStore creates an empty MemoryConfigStore.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{rows: make(map[int]models.StorageConfig), nextID: 1, now: time.Now}
}

// List returns all rows ordered by id.
func (m *MemoryConfigStore) List(context.Context) ([]models.StorageConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.StorageConfig, 0, len(m.rows))
	for _, cfg := range m.rows {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the row with id.
func (m *MemoryConfigStore) Get(_ context.Context, id int) (*models.StorageConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStorageNotFound, id)
	}
	return &cfg, nil
}

// Create inserts cfg.
func (m *MemoryConfigStore) Create(_ context.Context, cfg *models.StorageConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.IsDefault {
		m.clearDefault(cfg.Instance, 0)
	}
	now := m.now()
	cfg.ID = m.nextID
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	cfg.Config = configOrEmpty(cfg.Config)
	m.nextID++
	m.rows[cfg.ID] = *cfg
	return nil
}

// Update replaces kind and config of an existing row.
func (m *MemoryConfigStore) Update(_ context.Context, cfg *models.StorageConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[cfg.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrStorageNotFound, cfg.ID)
	}
	cur.Kind = cfg.Kind
	cur.Config = configOrEmpty(cfg.Config)
	cur.UpdatedAt = m.now()
	m.rows[cfg.ID] = cur
	*cfg = cur
	return nil
}

// SetDefault makes id the default of its instance.
func (m *MemoryConfigStore) SetDefault(_ context.Context, id int) (*models.StorageConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStorageNotFound, id)
	}
	m.clearDefault(cur.Instance, id)
	cur.IsDefault = true
	cur.UpdatedAt = m.now()
	m.rows[id] = cur
	return &cur, nil
}

// Must be called with m.mu held.
func (m *MemoryConfigStore) clearDefault(instance string, keep int) {
	for id, cfg := range m.rows {
		if cfg.Instance == instance && cfg.IsDefault && id != keep {
			cfg.IsDefault = false
			cfg.UpdatedAt = m.now()
			m.rows[id] = cfg
		}
	}
}
