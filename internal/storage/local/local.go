// Package local provides a local filesystem storage backend.
//
// Files are laid out by a path template containing the :instance, :type and
// :id placeholders; every physical id owns one directory holding the payload
// under its original filename.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	PathTemplate string `json:"path_template"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	template string
	instance string
	kind     string
}

// New creates a new local filesystem backend for one instance.
func New(cfg Config, instance string) (*LocalBackend, error) {
	if cfg.PathTemplate == "" {
		return nil, fmt.Errorf("path_template is required")
	}
	if !strings.Contains(cfg.PathTemplate, ":id") {
		return nil, fmt.Errorf("path_template %q must contain the :id placeholder", cfg.PathTemplate)
	}
	if instance == "" || strings.ContainsAny(instance, `/\`) || instance == "." || instance == ".." {
		return nil, fmt.Errorf("invalid instance name %q", instance)
	}

	return &LocalBackend{
		template: cfg.PathTemplate,
		instance: instance,
		kind:     string(models.KindLocal),
	}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config. fallbackTemplate
// is used when the config leaves path_template empty.
func NewFromJSON(raw json.RawMessage, instance, fallbackTemplate string) (*LocalBackend, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse local config: %w", err)
		}
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = fallbackTemplate
	}
	return New(cfg, instance)
}

// WithKind returns a copy reporting kind as its Type. Used by backends that
// delegate to the local filesystem, such as mounted network shares.
func (b *LocalBackend) WithKind(kind string) *LocalBackend {
	c := *b
	c.kind = kind
	return &c
}

func (b *LocalBackend) dir(dirType models.DirType, physicalID string) string {
	p := strings.NewReplacer(
		":instance", b.instance,
		":type", string(dirType),
		":id", physicalID,
	).Replace(b.template)
	return filepath.Clean(filepath.FromSlash(p))
}

func (b *LocalBackend) observe(op string, start time.Time, err error) {
	metrics.RecordBackendOperation(b.kind, op, time.Since(start), err == nil)
}

// Write stores data under a freshly minted physical id.
func (b *LocalBackend) Write(_ context.Context, dirType models.DirType, data []byte, filename string) (id string, err error) {
	start := time.Now()
	defer func() { b.observe("write", start, err) }()

	if !dirType.Valid() {
		return "", fmt.Errorf("invalid directory type %q", dirType)
	}

	id = uuid.NewString()
	dir := b.dir(dirType, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: create dir for %s: %v", storage.ErrUnavailable, id, err)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: create temp for %s: %v", storage.ErrUnavailable, id, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.RemoveAll(dir)
		return "", fmt.Errorf("%w: write %s: %v", storage.ErrUnavailable, id, err)
	}
	if err := tmp.Close(); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("%w: close temp for %s: %v", storage.ErrUnavailable, id, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, SanitizeFilename(filename))); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("%w: rename temp for %s: %v", storage.ErrUnavailable, id, err)
	}

	return id, nil
}

// Read returns the payload stored under physicalID.
func (b *LocalBackend) Read(_ context.Context, physicalID string, dirType models.DirType, filename string) (data []byte, err error) {
	start := time.Now()
	defer func() { b.observe("read", start, err) }()

	if err := validateID(physicalID); err != nil {
		return nil, err
	}

	path := filepath.Join(b.dir(dirType, physicalID), SanitizeFilename(filename))
	data, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, physicalID)
		}
		return nil, fmt.Errorf("%w: read %s: %v", storage.ErrUnavailable, physicalID, err)
	}
	return data, nil
}

// Delete removes the directory owned by physicalID.
func (b *LocalBackend) Delete(_ context.Context, physicalID string, dirType models.DirType) (err error) {
	start := time.Now()
	defer func() { b.observe("delete", start, err) }()

	if err := validateID(physicalID); err != nil {
		return err
	}

	dir := b.dir(dirType, physicalID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, physicalID)
		}
		return fmt.Errorf("%w: stat %s: %v", storage.ErrUnavailable, physicalID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: delete %s: %v", storage.ErrUnavailable, physicalID, err)
	}
	return nil
}

// ImportExternal is not available on the local filesystem.
func (b *LocalBackend) ImportExternal(context.Context, string) (*models.ImportedMedia, error) {
	return nil, fmt.Errorf("%s import external media: %w", b.kind, storage.ErrUnsupported)
}

// ExportExternal is not available on the local filesystem.
func (b *LocalBackend) ExportExternal(context.Context, string, models.DirType) (string, error) {
	return "", fmt.Errorf("%s export external media: %w", b.kind, storage.ErrUnsupported)
}

// Type returns the backend kind.
func (b *LocalBackend) Type() string { return b.kind }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

// SanitizeFilename reduces name to a single safe path element.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return "file"
	}
	return name
}

// Physical ids are minted as uuids; anything else could escape the template.
func validateID(physicalID string) error {
	if _, err := uuid.Parse(physicalID); err != nil {
		return fmt.Errorf("%w: malformed physical id %q", storage.ErrNotFound, physicalID)
	}
	return nil
}
