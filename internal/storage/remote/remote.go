// Package remote implements storage.Backend on top of a remote HTTP storage
// service. The remote service owns the bytes; this side only keeps the id it
// returns.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/retry"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

// DefaultTimeout bounds every request when neither the location config nor
// the process config sets one.
const DefaultTimeout = 10 * time.Second

// Config holds remote backend settings.
type Config struct {
	BaseURL   string `json:"base_url"`
	Token     string `json:"token"`
	TimeoutMS int    `json:"timeout_ms"`
}

// Backend talks to a remote storage service.
type Backend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	readRetry  retry.Config
}

// New creates a remote backend. fallbackTimeout applies when cfg.TimeoutMS is
// zero; when both are zero DefaultTimeout is used.
func New(cfg Config, fallbackTimeout time.Duration) (*Backend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base_url %q", cfg.BaseURL)
	}

	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = fallbackTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = 2

	return &Backend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		readRetry: rc,
	}, nil
}

// NewFromJSON creates a remote backend from raw JSON config.
func NewFromJSON(raw json.RawMessage, fallbackTimeout time.Duration) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse remote config: %w", err)
	}
	return New(cfg, fallbackTimeout)
}

type errorBody struct {
	Message string `json:"message"`
}

type writeResponse struct {
	ID string `json:"id"`
}

type importRequest struct {
	WabaMediaID string `json:"wabaMediaId"`
}

type importResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type exportRequest struct {
	FileID  string         `json:"fileId"`
	DirType models.DirType `json:"dirType"`
}

type exportResponse struct {
	MediaID string `json:"mediaId"`
}

func (b *Backend) observe(op string, start time.Time, err error) {
	metrics.RecordBackendOperation(string(models.KindRemote), op, time.Since(start), err == nil)
}

func (b *Backend) fileURL(dirType models.DirType, physicalID string) string {
	return b.baseURL + "/files/" + url.PathEscape(string(dirType)) + "/" + url.PathEscape(physicalID)
}

func (b *Backend) do(req *http.Request) (*http.Response, error) {
	if b.token != "" {
		req.Header.Set("Authorization", b.token)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", storage.ErrUnavailable, req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(resp)
}

// statusError classifies a non-2xx response.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var body errorBody
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		msg = body.Message
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", storage.ErrNotFound, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: remote status %d: %s", storage.ErrUnavailable, resp.StatusCode, msg)
	default:
		return &storage.RejectedError{Status: resp.StatusCode, Message: msg}
	}
}

func (b *Backend) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", storage.ErrUnavailable, path, err)
	}
	return nil
}

// Write uploads data as a multipart form and returns the remote id.
// Writes are not retried; a lost response could otherwise store twice.
func (b *Backend) Write(ctx context.Context, dirType models.DirType, data []byte, filename string) (id string, err error) {
	start := time.Now()
	defer func() { b.observe("write", start, err) }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/files/"+url.PathEscape(string(dirType)), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out writeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode write response: %v", storage.ErrUnavailable, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: remote returned empty id", storage.ErrUnavailable)
	}
	return out.ID, nil
}

// Read downloads the bytes for physicalID. Transport failures are retried once.
func (b *Backend) Read(ctx context.Context, physicalID string, dirType models.DirType, _ string) (data []byte, err error) {
	start := time.Now()
	defer func() { b.observe("read", start, err) }()

	return retry.Do(ctx, b.readRetry, func() ([]byte, error) {
		data, err := b.readOnce(ctx, physicalID, dirType)
		if errors.Is(err, storage.ErrUnavailable) {
			logging.Debug("remote read failed, retrying",
				zap.String("physical_id", physicalID),
				zap.Error(err))
			return nil, retry.Transient(err)
		}
		return data, err
	})
}

func (b *Backend) readOnce(ctx context.Context, physicalID string, dirType models.DirType) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.fileURL(dirType, physicalID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body of %s: %v", storage.ErrUnavailable, physicalID, err)
	}
	return data, nil
}

// Delete removes physicalID on the remote service.
func (b *Backend) Delete(ctx context.Context, physicalID string, dirType models.DirType) (err error) {
	start := time.Now()
	defer func() { b.observe("delete", start, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.fileURL(dirType, physicalID), nil)
	if err != nil {
		return err
	}
	resp, err := b.do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// ImportExternal asks the remote service to pull a WhatsApp Business media
// object into its storage.
func (b *Backend) ImportExternal(ctx context.Context, externalMediaID string) (m *models.ImportedMedia, err error) {
	start := time.Now()
	defer func() { b.observe("import", start, err) }()

	var out importResponse
	if err := b.postJSON(ctx, "/files/waba", importRequest{WabaMediaID: externalMediaID}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: remote import returned empty id", storage.ErrUnavailable)
	}
	return &models.ImportedMedia{
		PhysicalID: out.ID,
		Name:       out.Name,
		MimeType:   out.Type,
		Size:       out.Size,
	}, nil
}

// ExportExternal publishes physicalID to WhatsApp Business and returns the
// media id assigned there.
func (b *Backend) ExportExternal(ctx context.Context, physicalID string, dirType models.DirType) (mediaID string, err error) {
	start := time.Now()
	defer func() { b.observe("export", start, err) }()

	var out exportResponse
	if err := b.postJSON(ctx, "/files/waba/media-id", exportRequest{FileID: physicalID, DirType: dirType}, &out); err != nil {
		return "", err
	}
	if out.MediaID == "" {
		return "", fmt.Errorf("%w: remote export returned empty media id", storage.ErrUnavailable)
	}
	return out.MediaID, nil
}

// Type returns "remote".
func (b *Backend) Type() string { return string(models.KindRemote) }

// Close drops idle connections. Requests in flight are left alone.
func (b *Backend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}
