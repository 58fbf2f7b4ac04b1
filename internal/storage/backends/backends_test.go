package backends

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/Infotec-Solution-Provider/files-service/internal/models"
)

func TestNewSelectsByKind(t *testing.T) {
	root := t.TempDir()
	opts := Options{PathTemplate: filepath.Join(root, ":instance", ":type", ":id")}
	ctx := context.Background()

	tests := []struct {
		kind   models.StorageKind
		config string
		want   string
	}{
		{models.KindLocal, `{}`, "local"},
		{models.KindRemote, `{"base_url":"http://files.internal:8080","token":"t"}`, "remote"},
		{models.KindSMB, `{"server":"//nas/share","mount_path":"` + filepath.ToSlash(root) + `"}`, "smb"},
		{models.KindMemory, `{}`, "memory"},
	}
	for _, tt := range tests {
		b, err := New(ctx, models.StorageConfig{
			ID: 1, Instance: "acme", Kind: tt.kind, Config: json.RawMessage(tt.config),
		}, opts)
		if err != nil {
			t.Errorf("New(%s): %v", tt.kind, err)
			continue
		}
		if b.Type() != tt.want {
			t.Errorf("New(%s).Type() = %q, want %q", tt.kind, b.Type(), tt.want)
		}
		b.Close()
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(context.Background(), models.StorageConfig{Instance: "acme", Kind: "ftp"}, Options{})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestNewRejectsBadRemoteConfig(t *testing.T) {
	_, err := New(context.Background(), models.StorageConfig{
		Instance: "acme", Kind: models.KindRemote, Config: json.RawMessage(`{}`),
	}, Options{})
	if err == nil {
		t.Fatal("expected error for remote config without base_url")
	}
}
