// Package backends builds storage.Backend values from StorageConfig rows.
package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage/local"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage/memory"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage/remote"
	s3backend "github.com/Infotec-Solution-Provider/files-service/internal/storage/s3"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage/smb"
)

// Options carries the process-wide defaults a row may leave unset.
type Options struct {
	PathTemplate  string        // local path template when the row has none
	RemoteTimeout time.Duration // remote timeout when the row has none
}

// New creates a Backend for cfg.
func New(ctx context.Context, cfg models.StorageConfig, opts Options) (storage.Backend, error) {
	switch cfg.Kind {
	case models.KindLocal:
		return local.NewFromJSON(cfg.Config, cfg.Instance, opts.PathTemplate)
	case models.KindRemote:
		return remote.NewFromJSON(cfg.Config, opts.RemoteTimeout)
	case models.KindS3:
		return s3backend.NewBackendFromJSON(ctx, cfg.Config, cfg.Instance)
	case models.KindSMB:
		return smb.NewFromJSON(cfg.Config, cfg.Instance)
	case models.KindMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Kind)
	}
}

// Factory binds opts, producing the constructor the Registry expects.
func Factory(opts Options) storage.Factory {
	return func(ctx context.Context, cfg models.StorageConfig) (storage.Backend, error) {
		return New(ctx, cfg, opts)
	}
}
