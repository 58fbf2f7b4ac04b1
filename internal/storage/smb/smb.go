// Package smb provides an SMB/CIFS network share storage backend.
// The SMB share must be pre-mounted on the OS (via mount.cifs or fstab).
// This backend delegates to the local filesystem backend at the mount path.
package smb

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage/local"
)

// Config holds SMB backend settings.
// Server/Username/Domain are stored for admin reference only.
// Actual I/O uses the MountPath where the share is pre-mounted.
type Config struct {
	Server    string `json:"server"`     // SMB server path (e.g., //server/share)
	Username  string `json:"username"`   // SMB credentials
	Domain    string `json:"domain"`     // SMB domain
	MountPath string `json:"mount_path"` // Local mount point where share is mounted
}

// New creates a backend storing files under MountPath/<instance>/<type>/<id>.
func New(cfg Config, instance string) (*local.LocalBackend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lb, err := local.New(local.Config{
		PathTemplate: filepath.Join(cfg.MountPath, ":instance", ":type", ":id"),
	}, instance)
	if err != nil {
		return nil, fmt.Errorf("smb backend at %s: %w", cfg.MountPath, err)
	}
	return lb.WithKind(string(models.KindSMB)), nil
}

// NewFromJSON creates an SMB backend from raw JSON config.
func NewFromJSON(raw json.RawMessage, instance string) (*local.LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg, instance)
}
