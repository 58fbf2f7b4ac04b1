package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

var (
	// ErrStorageNotFound is returned when no location has the requested id.
	ErrStorageNotFound = errors.New("storage not found")

	// ErrNoDefaultStorage is returned when an instance has no default location.
	ErrNoDefaultStorage = errors.New("instance has no default storage configured")
)

// Location pairs a StorageConfig with its instantiated Backend. A published
// Location is never mutated; updates replace it.
type Location struct {
	models.StorageConfig
	Backend
}

// Factory builds the backend for a storage configuration.
type Factory func(ctx context.Context, cfg models.StorageConfig) (Backend, error)

// ConfigSource lists the persisted storage configurations.
type ConfigSource interface {
	List(ctx context.Context) ([]models.StorageConfig, error)
}

// Registry resolves storage ids and instance defaults to backends.
type Registry struct {
	mu       sync.RWMutex
	byID     map[int]*Location    // id -> location
	defaults map[string]*Location // instance -> default location
	factory  Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		byID:     make(map[int]*Location),
		defaults: make(map[string]*Location),
		factory:  factory,
	}
}

// Load reads every configuration from src and builds its backend. Rows whose
// backend cannot be built are logged and skipped.
func (r *Registry) Load(ctx context.Context, src ConfigSource) error {
	rows, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("list storages: %w", err)
	}

	loaded := 0
	for _, row := range rows {
		if _, err := r.Upsert(ctx, row); err != nil {
			logging.Error("failed to initialize storage backend",
				zap.Int("storage_id", row.ID),
				zap.String("instance", row.Instance),
				zap.String("kind", string(row.Kind)),
				zap.Error(err))
			continue
		}
		loaded++
	}

	r.mu.RLock()
	defaults := len(r.defaults)
	r.mu.RUnlock()

	logging.Info("storage registry loaded",
		zap.Int("locations", loaded),
		zap.Int("skipped", len(rows)-loaded),
		zap.Int("instances_with_default", defaults))
	return nil
}

// Upsert publishes cfg. The existing backend is reused when kind and config
// are unchanged. If cfg is a default, any other default of the same instance
// is demoted.
func (r *Registry) Upsert(ctx context.Context, cfg models.StorageConfig) (*Location, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Kind)
	}

	r.mu.RLock()
	existing := r.byID[cfg.ID]
	r.mu.RUnlock()

	var backend Backend
	reused := existing != nil && existing.Kind == cfg.Kind &&
		existing.Instance == cfg.Instance && bytes.Equal(existing.Config, cfg.Config)
	if reused {
		backend = existing.Backend
	} else {
		var err error
		backend, err = r.factory(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("build %s backend for storage %d: %w", cfg.Kind, cfg.ID, err)
		}
	}

	loc := &Location{StorageConfig: cfg, Backend: backend}

	r.mu.Lock()
	prev := r.byID[cfg.ID]
	r.byID[cfg.ID] = loc

	// Drop keys the previous version held.
	if prev != nil {
		if cur, ok := r.defaults[prev.Instance]; ok && cur.ID == cfg.ID {
			delete(r.defaults, prev.Instance)
		}
	}

	if cfg.IsDefault {
		if old, ok := r.defaults[cfg.Instance]; ok && old.ID != cfg.ID {
			demoted := *old
			demoted.IsDefault = false
			r.byID[old.ID] = &demoted
		}
		r.defaults[cfg.Instance] = loc
	}
	count := len(r.byID)
	r.mu.Unlock()

	metrics.SetStorageLocations(count)

	// Close only drops idle resources; holders of prev keep a working backend.
	if prev != nil && !reused && prev.Backend != nil {
		if err := prev.Backend.Close(); err != nil {
			logging.Warn("failed to close replaced backend",
				zap.Int("storage_id", cfg.ID), zap.Error(err))
		}
	}

	return loc, nil
}

// ResolveByID returns the location with the given id.
func (r *Registry) ResolveByID(id int) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if loc, ok := r.byID[id]; ok {
		return loc, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrStorageNotFound, id)
}

// ResolveDefault returns the default location of instance.
func (r *Registry) ResolveDefault(instance string) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if loc, ok := r.defaults[instance]; ok {
		return loc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDefaultStorage, instance)
}

// Locations returns a snapshot of all locations ordered by id.
func (r *Registry) Locations() []*Location {
	r.mu.RLock()
	out := make([]*Location, 0, len(r.byID))
	for _, loc := range r.byID {
		out = append(out, loc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes all backend connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, loc := range r.byID {
		if loc.Backend != nil {
			if err := loc.Backend.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
