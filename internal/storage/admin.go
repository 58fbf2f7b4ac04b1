package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

// ValidationError reports an invalid storage configuration request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Admin persists storage configuration changes and publishes them to the
// Registry. Every write goes to the repository first so a restart sees the
// same state the registry serves.
type Admin struct {
	repo     ConfigRepository
	registry *Registry
}

// NewAdmin creates an Admin.
func NewAdmin(repo ConfigRepository, registry *Registry) *Admin {
	return &Admin{repo: repo, registry: registry}
}

func validate(cfg *models.StorageConfig) error {
	cfg.Instance = strings.TrimSpace(cfg.Instance)
	if cfg.Instance == "" {
		return &ValidationError{Field: "instance", Message: "is required"}
	}
	if strings.ContainsAny(cfg.Instance, `/\`) {
		return &ValidationError{Field: "instance", Message: "must not contain path separators"}
	}
	if !cfg.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown backend type %q", cfg.Kind)}
	}
	if len(cfg.Config) > 0 && !json.Valid(cfg.Config) {
		return &ValidationError{Field: "config", Message: "must be a JSON object"}
	}
	return nil
}

// Create persists a new storage and publishes it.
func (a *Admin) Create(ctx context.Context, cfg models.StorageConfig) (*Location, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := a.repo.Create(ctx, &cfg); err != nil {
		return nil, err
	}

	loc, err := a.registry.Upsert(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logging.Info("storage created",
		zap.Int("storage_id", cfg.ID),
		zap.String("instance", cfg.Instance),
		zap.String("kind", string(cfg.Kind)),
		zap.Bool("is_default", cfg.IsDefault))
	return loc, nil
}

// Update replaces the kind and config of storage id and republishes it.
func (a *Admin) Update(ctx context.Context, id int, kind models.StorageKind, config json.RawMessage) (*Location, error) {
	cur, err := a.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := *cur
	cfg.Kind = kind
	cfg.Config = config
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := a.repo.Update(ctx, &cfg); err != nil {
		return nil, err
	}

	loc, err := a.registry.Upsert(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logging.Info("storage updated",
		zap.Int("storage_id", cfg.ID),
		zap.String("kind", string(cfg.Kind)))
	return loc, nil
}

// SetDefault makes storage id the default of its instance.
func (a *Admin) SetDefault(ctx context.Context, id int) (*Location, error) {
	cfg, err := a.repo.SetDefault(ctx, id)
	if err != nil {
		return nil, err
	}

	loc, err := a.registry.Upsert(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	logging.Info("default storage changed",
		zap.Int("storage_id", cfg.ID),
		zap.String("instance", cfg.Instance))
	return loc, nil
}

// EnsureDefault creates a default location of the given kind for instance
// unless the instance already has one. Used at startup.
func (a *Admin) EnsureDefault(ctx context.Context, instance string, kind models.StorageKind) error {
	if _, err := a.registry.ResolveDefault(instance); err == nil {
		return nil
	}
	_, err := a.Create(ctx, models.StorageConfig{
		Instance:  instance,
		Kind:      kind,
		IsDefault: true,
	})
	return err
}
