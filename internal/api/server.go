// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/files"
	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/media"
	"github.com/Infotec-Solution-Provider/files-service/internal/metadata"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

// multipart bookkeeping allowed on top of MaxUploadSize
const multipartOverhead = 1 << 20

// Server is the HTTP server.
type Server struct {
	files         *files.Service
	registry      *storage.Registry
	admin         *storage.Admin
	maxUploadSize int64
}

// NewServer creates a new API server.
func NewServer(svc *files.Service, registry *storage.Registry, admin *storage.Admin, maxUploadSize int64) *Server {
	return &Server{
		files:         svc,
		registry:      registry,
		admin:         admin,
		maxUploadSize: maxUploadSize,
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	r.Get("/public/{instance}/{publicId}", s.handlePublic)

	r.Route("/api", func(r chi.Router) {
		r.Post("/files", s.handleUpload)
		r.Get("/files/exists", s.handleExists)
		r.Get("/files/{id}", s.handleDownload)
		r.Get("/files/{id}/view", s.handleView)
		r.Get("/files/{id}/metadata", s.handleMetadata)
		r.Delete("/files/{id}", s.handleDelete)

		r.Post("/waba", s.handleImport)
		r.Post("/waba/get-media-id", s.handleExport)

		r.Get("/storages", s.handleListStorages)
		r.Post("/storages", s.handleCreateStorage)
		r.Put("/storages/{id}", s.handleUpdateStorage)
		r.Put("/storages/{id}/default", s.handleSetDefaultStorage)
	})

	return r
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize), nil)
			return
		}
		s.sendError(w, r, http.StatusBadRequest, "invalid multipart form", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	instance := r.FormValue("instance")
	dirType := r.FormValue("dirType")
	if instance == "" || dirType == "" {
		s.sendError(w, r, http.StatusBadRequest, "Instance and dirType fields are required", nil)
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "File field is required", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadSize+1))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "failed to read file", err)
		return
	}
	if int64(len(data)) > s.maxUploadSize {
		s.sendError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize), nil)
		return
	}

	rec, err := s.files.Upload(r.Context(), files.UploadInput{
		Instance: instance,
		DirType:  models.DirType(dirType),
		Filename: hdr.Filename,
		MimeType: detectMimeType(hdr.Header.Get("Content-Type"), hdr.Filename, data),
		Data:     data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// detectMimeType prefers the declared part type, then the extension, then
// content sniffing.
func detectMimeType(declared, filename string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := s.files.Exists(r.Context(), q.Get("instance"), q.Get("hash"))
	if errors.Is(err, metadata.ErrNotFound) {
		writeJSON(w, http.StatusOK, existsResponse{Exists: false})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existsResponse{Exists: true, File: rec})
}

type existsResponse struct {
	Exists bool               `json:"exists"`
	File   *models.FileRecord `json:"file"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fileID(w, r)
	if !ok {
		return
	}
	rec, data, err := s.files.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", media.Disposition(rec.MimeType, rec.Name, false))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fileID(w, r)
	if !ok {
		return
	}
	rec, data, err := s.files.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendMedia(w, r, rec, data, true)
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	instance, publicID := chi.URLParam(r, "instance"), chi.URLParam(r, "publicId")
	logging.AddFields(r.Context(), zap.String("instance", instance), zap.String("public_id", publicID))

	rec, data, err := s.files.GetPublic(r.Context(), instance, publicID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendMedia(w, r, rec, data, false)
}

// sendMedia writes data honouring the Range header for streamable media.
func (s *Server) sendMedia(w http.ResponseWriter, r *http.Request, rec *models.FileRecord, data []byte, forceInline bool) {
	resp, err := media.Respond(data, rec.MimeType, r.Header.Get("Range"))
	if err != nil {
		w.Header().Set("Content-Range", media.UnsatisfiedRange(len(data)))
		s.writeError(w, r, err)
		return
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Disposition", media.Disposition(rec.MimeType, rec.Name, forceInline))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fileID(w, r)
	if !ok {
		return
	}
	rec, err := s.files.GetMetadata(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fileID(w, r)
	if !ok {
		return
	}
	if err := s.files.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, r, http.StatusBadRequest, "invalid file id: "+raw, nil)
		return 0, false
	}
	logging.AddFields(r.Context(), zap.Int64("file_id", id))
	return id, true
}

// ─── External media ─────────────────────────────────────────────────────────

type importRequest struct {
	Instance    string `json:"instance"`
	WabaMediaID string `json:"wabaMediaId"`
}

type exportRequest struct {
	FileID int64 `json:"fileId"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	rec, err := s.files.ImportFromExternalMedia(r.Context(), req.Instance, req.WabaMediaID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.FileID <= 0 {
		s.sendError(w, r, http.StatusBadRequest, "fileId is required", nil)
		return
	}
	mediaID, err := s.files.ExportToExternalMediaID(r.Context(), req.FileID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mediaId": mediaID})
}

// ─── Storage admin ──────────────────────────────────────────────────────────

// secret config keys blanked in listings
var secretConfigKeys = []string{"token", "secret_key", "access_key"}

func redactConfig(raw json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	changed := false
	for _, k := range secretConfigKeys {
		if v, ok := m[k].(string); ok && v != "" {
			m[k] = "***"
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

func publicConfig(loc *storage.Location) models.StorageConfig {
	cfg := loc.StorageConfig
	cfg.Config = redactConfig(cfg.Config)
	return cfg
}

func (s *Server) handleListStorages(w http.ResponseWriter, r *http.Request) {
	locs := s.registry.Locations()
	out := make([]models.StorageConfig, 0, len(locs))
	for _, loc := range locs {
		out = append(out, publicConfig(loc))
	}
	writeJSON(w, http.StatusOK, out)
}

type storageRequest struct {
	Instance  string             `json:"instance"`
	Kind      models.StorageKind `json:"kind"`
	IsDefault bool               `json:"is_default"`
	Config    json.RawMessage    `json:"config"`
}

func (s *Server) handleCreateStorage(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	loc, err := s.admin.Create(r.Context(), models.StorageConfig{
		Instance:  req.Instance,
		Kind:      req.Kind,
		IsDefault: req.IsDefault,
		Config:    req.Config,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicConfig(loc))
}

func (s *Server) storageID(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		s.sendError(w, r, http.StatusBadRequest, "invalid storage id: "+raw, nil)
		return 0, false
	}
	logging.AddFields(r.Context(), zap.Int("storage_id", id))
	return id, true
}

func (s *Server) handleUpdateStorage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storageID(w, r)
	if !ok {
		return
	}
	var req storageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	loc, err := s.admin.Update(r.Context(), id, req.Kind, req.Config)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicConfig(loc))
}

func (s *Server) handleSetDefaultStorage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.storageID(w, r)
	if !ok {
		return
	}
	loc, err := s.admin.SetDefault(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicConfig(loc))
}

// On admin routes an unknown storage id is the addressed resource, not a
// misconfiguration.
func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrStorageNotFound) {
		s.sendError(w, r, http.StatusNotFound, "storage not found", nil)
		return
	}
	s.writeError(w, r, err)
}

// ─── Responses ──────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		filesInvalid   *files.ValidationError
		storageInvalid *storage.ValidationError
		rejected       *storage.RejectedError
	)

	switch {
	case errors.As(err, &filesInvalid):
		s.sendError(w, r, http.StatusBadRequest, filesInvalid.Message, nil)
	case errors.As(err, &storageInvalid):
		s.sendError(w, r, http.StatusBadRequest, storageInvalid.Error(), nil)
	case errors.Is(err, storage.ErrDuplicateDefault):
		s.sendError(w, r, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		s.sendError(w, r, http.StatusNotFound, "file not found", nil)
	case errors.Is(err, media.ErrInvalidRange):
		s.sendError(w, r, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable", nil)
	case errors.As(err, &rejected):
		s.sendServerError(w, r, "storage backend rejected the request", rejected.Message, err)
	case errors.Is(err, storage.ErrUnavailable):
		s.sendServerError(w, r, "storage backend unavailable", "", err)
	case errors.Is(err, storage.ErrNoDefaultStorage),
		errors.Is(err, storage.ErrStorageNotFound),
		errors.Is(err, storage.ErrUnsupported):
		s.sendServerError(w, r, "storage is not configured for this operation", err.Error(), err)
	default:
		s.sendServerError(w, r, "internal server error", "", err)
	}
}

func (s *Server) sendServerError(w http.ResponseWriter, r *http.Request, message, detail string, err error) {
	logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: message, Error: detail})
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message string, err error) {
	if err != nil {
		logging.WithContext(r.Context()).Debug("bad request", zap.Error(err))
	}
	writeJSON(w, code, ErrorResponse{Message: message})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", strings.Join([]string{
			"Content-Disposition", "Content-Range", "Accept-Ranges", "Content-Length",
		}, ", "))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
