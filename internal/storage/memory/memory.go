// Package memory provides a process-local storage backend. It backs the
// server's --memory mode and the service tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

type object struct {
	dirType models.DirType
	name    string
	data    []byte
}

// Backend keeps objects in a map. Failures can be injected per operation.
type Backend struct {
	mu      sync.Mutex
	objects map[string]object
	writes  int
	deletes int

	// FailDelete, when set, is consulted before every Delete; a non-nil
	// return is reported as the delete error.
	FailDelete func(physicalID string) error
}

// New creates an empty memory backend.
func New() *Backend {
	return &Backend{objects: make(map[string]object)}
}

// Write stores a copy of data.
func (b *Backend) Write(_ context.Context, dirType models.DirType, data []byte, filename string) (string, error) {
	id := uuid.NewString()
	buf := make([]byte, len(data))
	copy(buf, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[id] = object{dirType: dirType, name: filename, data: buf}
	b.writes++
	return id, nil
}

// Read returns a copy of the stored bytes.
func (b *Backend) Read(_ context.Context, physicalID string, dirType models.DirType, _ string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[physicalID]
	if !ok || obj.dirType != dirType {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, physicalID)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Delete removes the object.
func (b *Backend) Delete(_ context.Context, physicalID string, dirType models.DirType) error {
	if b.FailDelete != nil {
		if err := b.FailDelete(physicalID); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[physicalID]
	if !ok || obj.dirType != dirType {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, physicalID)
	}
	delete(b.objects, physicalID)
	b.deletes++
	return nil
}

// ImportExternal is not available in memory.
func (b *Backend) ImportExternal(context.Context, string) (*models.ImportedMedia, error) {
	return nil, fmt.Errorf("memory import external media: %w", storage.ErrUnsupported)
}

// ExportExternal is not available in memory.
func (b *Backend) ExportExternal(context.Context, string, models.DirType) (string, error) {
	return "", fmt.Errorf("memory export external media: %w", storage.ErrUnsupported)
}

// Type returns "memory".
func (b *Backend) Type() string { return string(models.KindMemory) }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Writes returns the number of successful writes so far.
func (b *Backend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// Deletes returns the number of successful deletes so far.
func (b *Backend) Deletes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deletes
}

// Has reports whether physicalID is stored.
func (b *Backend) Has(physicalID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[physicalID]
	return ok
}
