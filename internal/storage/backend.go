// Package storage defines the Backend interface for file bytes and the
// Registry that routes storage configurations to backend instances.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

var (
	// ErrNotFound is returned when the addressed bytes do not exist.
	ErrNotFound = errors.New("stored file not found")

	// ErrUnavailable wraps network and disk failures.
	ErrUnavailable = errors.New("storage backend unavailable")

	// ErrUnsupported is returned by backends that lack a capability.
	ErrUnsupported = errors.New("operation not supported by storage backend")
)

// RejectedError is returned when a remote storage service refuses a request.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("storage backend rejected request (%d): %s", e.Status, e.Message)
}

// Backend is the interface for byte storage backends.
// Metadata (FileRecord rows) is handled separately by the metadata store;
// a backend only ever sees the opaque physical id it minted.
type Backend interface {
	// Write stores data and returns the physical id of the new object.
	Write(ctx context.Context, dirType models.DirType, data []byte, filename string) (string, error)

	// Read returns the bytes stored under physicalID.
	Read(ctx context.Context, physicalID string, dirType models.DirType, filename string) ([]byte, error)

	// Delete removes the bytes stored under physicalID.
	// Returns ErrNotFound if nothing is stored there.
	Delete(ctx context.Context, physicalID string, dirType models.DirType) error

	// ImportExternal pulls a media object from the external messaging
	// platform into this backend.
	ImportExternal(ctx context.Context, externalMediaID string) (*models.ImportedMedia, error)

	// ExportExternal publishes stored bytes to the external messaging
	// platform and returns its media id.
	ExportExternal(ctx context.Context, physicalID string, dirType models.DirType) (string, error)

	// Type returns the backend kind identifier.
	Type() string

	// Close releases idle resources held by the backend. The Registry
	// closes a backend as soon as its Location is replaced, while callers
	// may still hold the old Location, so Close must leave the backend
	// usable: operations in flight and later calls through the superseded
	// Location keep working.
	Close() error
}
