package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

func newTestBackend(t *testing.T, h http.Handler) *Backend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	b, err := New(Config{BaseURL: srv.URL + "/", Token: "secret"}, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestWriteSendsMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/public", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "secret" {
			t.Errorf("Authorization = %q, want secret", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "payload" || hdr.Filename != "a.txt" {
			t.Errorf("got %q named %q", data, hdr.Filename)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "remote-1"})
	})

	b := newTestBackend(t, mux)
	id, err := b.Write(context.Background(), models.DirPublic, []byte("payload"), "a.txt")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id != "remote-1" {
		t.Errorf("id = %q, want remote-1", id)
	}
}

func TestReadAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files/private/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	})
	mux.HandleFunc("DELETE /files/private/abc", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	b := newTestBackend(t, mux)
	ctx := context.Background()

	got, err := b.Read(ctx, "abc", models.DirPrivate, "ignored.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "bytes" {
		t.Errorf("Read = %q", got)
	}
	if err := b.Delete(ctx, "abc", models.DirPrivate); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestUsableAfterClose(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files/public/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("still here"))
	})

	b := newTestBackend(t, mux)
	ctx := context.Background()
	if _, err := b.Read(ctx, "abc", models.DirPublic, ""); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := b.Read(ctx, "abc", models.DirPublic, "")
	if err != nil {
		t.Fatalf("Read after Close: %v", err)
	}
	if string(got) != "still here" {
		t.Errorf("Read after Close = %q", got)
	}
}

func TestStatusMapping(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files/public/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no such file"}`, http.StatusNotFound)
	})
	mux.HandleFunc("DELETE /files/public/locked", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"file is locked"}`))
	})
	mux.HandleFunc("GET /files/public/broken", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	b := newTestBackend(t, mux)
	ctx := context.Background()

	if _, err := b.Read(ctx, "missing", models.DirPublic, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("404: expected ErrNotFound, got %v", err)
	}

	err := b.Delete(ctx, "locked", models.DirPublic)
	var rejected *storage.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("409: expected RejectedError, got %v", err)
	}
	if rejected.Status != http.StatusConflict || rejected.Message != "file is locked" {
		t.Errorf("rejected = %+v", rejected)
	}

	if _, err := b.Read(ctx, "broken", models.DirPublic, ""); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("502: expected ErrUnavailable, got %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("read of 5xx attempted %d times, want 2", n)
	}
}

func TestTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/public", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	b, err := New(Config{BaseURL: srv.URL, TimeoutMS: 50}, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Write(context.Background(), models.DirPublic, []byte("x"), "x"); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
}

func TestImportExport(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/waba", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["wabaMediaId"] != "wamid.42" {
			t.Errorf("wabaMediaId = %q", req["wabaMediaId"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "r-9", "name": "voice.ogg", "type": "audio/ogg", "size": 321,
		})
	})
	mux.HandleFunc("POST /files/waba/media-id", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["fileId"] != "r-9" || req["dirType"] != "public" {
			t.Errorf("export request = %v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{"mediaId": "wamid.43"})
	})

	b := newTestBackend(t, mux)
	ctx := context.Background()

	m, err := b.ImportExternal(ctx, "wamid.42")
	if err != nil {
		t.Fatalf("ImportExternal: %v", err)
	}
	want := models.ImportedMedia{PhysicalID: "r-9", Name: "voice.ogg", MimeType: "audio/ogg", Size: 321}
	if *m != want {
		t.Errorf("imported = %+v, want %+v", *m, want)
	}

	mediaID, err := b.ExportExternal(ctx, "r-9", models.DirPublic)
	if err != nil {
		t.Fatalf("ExportExternal: %v", err)
	}
	if mediaID != "wamid.43" {
		t.Errorf("mediaId = %q", mediaID)
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := New(Config{BaseURL: u}, 0); err == nil {
			t.Errorf("New(%q): expected error", u)
		}
	}
}
