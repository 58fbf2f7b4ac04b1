// Package models contains the data types shared by the storage, metadata and
// API layers.
package models

import (
	"encoding/json"
	"time"
)

// DirType is the coarse classification of a stored file.
type DirType string

const (
	DirPublic  DirType = "public"
	DirPrivate DirType = "private"
)

// Valid reports whether d is a known directory type.
func (d DirType) Valid() bool {
	return d == DirPublic || d == DirPrivate
}

// StorageKind selects the backend implementation of a StorageConfig.
type StorageKind string

const (
	KindLocal  StorageKind = "local"
	KindRemote StorageKind = "remote"
	KindS3     StorageKind = "s3"
	KindSMB    StorageKind = "smb"
	KindMemory StorageKind = "memory"
)

// Valid reports whether k is a known backend kind.
func (k StorageKind) Valid() bool {
	switch k {
	case KindLocal, KindRemote, KindS3, KindSMB, KindMemory:
		return true
	}
	return false
}

// IsDisk reports whether bytes of this kind live on this host's filesystem.
// Only disk kinds are subject to retention cleanup.
func (k StorageKind) IsDisk() bool {
	return k == KindLocal || k == KindSMB
}

// DiskKinds lists every kind for which IsDisk is true.
func DiskKinds() []StorageKind {
	return []StorageKind{KindLocal, KindSMB}
}

// StorageConfig maps to the storages table.
type StorageConfig struct {
	ID        int             `json:"id"`
	Instance  string          `json:"instance"`
	Kind      StorageKind     `json:"kind"`
	IsDefault bool            `json:"is_default"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FileRecord maps to the files table.
type FileRecord struct {
	ID         int64     `json:"id"`
	StorageID  int       `json:"storage_id"`
	PhysicalID string    `json:"physical_id"`
	DirType    DirType   `json:"dir_type"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Hash       string    `json:"hash,omitempty"` // empty for imported external media
	PublicID   string    `json:"public_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ImportedMedia describes bytes a backend pulled in from an external media system.
type ImportedMedia struct {
	PhysicalID string
	Name       string
	MimeType   string
	Size       int64
}
