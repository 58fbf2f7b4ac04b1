// Package s3 implements storage.Backend on S3-compatible object stores
// (AWS S3, MinIO).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Infotec-Solution-Provider/files-service/internal/logging"
	"github.com/Infotec-Solution-Provider/files-service/internal/metrics"
	"github.com/Infotec-Solution-Provider/files-service/internal/models"
	"github.com/Infotec-Solution-Provider/files-service/internal/storage"
)

// BackendConfig is the JSON config of an s3 storage row.
type BackendConfig struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
	Prefix    string `json:"prefix"`
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client   *s3.Client
	bucket   string
	prefix   string
	instance string
}

// NewBackend creates a new S3 backend for one instance.
func NewBackend(ctx context.Context, cfg BackendConfig, instance string) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	backend := &S3Backend{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		instance: instance,
	}

	// Verify bucket exists
	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}

	return backend, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage, instance string) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg, instance)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		b.observe("create_bucket", start, createErr)
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

func (b *S3Backend) observe(op string, start time.Time, err error) {
	metrics.RecordBackendOperation(string(models.KindS3), op, time.Since(start), err == nil)
}

// objectKey builds prefix/instance/dirType/physicalID.
func (b *S3Backend) objectKey(dirType models.DirType, physicalID string) string {
	return objectKey(b.prefix, b.instance, dirType, physicalID)
}

func objectKey(prefix, instance string, dirType models.DirType, physicalID string) string {
	return path.Join(prefix, instance, string(dirType), physicalID)
}

// isNotFound reports whether err means the key does not exist. GetObject
// returns a typed NoSuchKey; HeadObject has no body and only carries the
// "NotFound" code.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func classify(err error, physicalID string) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, physicalID)
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, physicalID, err)
}

// Write uploads data under a freshly minted physical id.
func (b *S3Backend) Write(ctx context.Context, dirType models.DirType, data []byte, filename string) (id string, err error) {
	start := time.Now()
	defer func() { b.observe("put_object", start, err) }()

	id = uuid.NewString()
	key := b.objectKey(dirType, id)

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{"filename": filename},
	})
	if err != nil {
		return "", fmt.Errorf("%w: put object %s: %v", storage.ErrUnavailable, key, err)
	}

	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return id, nil
}

// Read downloads the object stored under physicalID.
func (b *S3Backend) Read(ctx context.Context, physicalID string, dirType models.DirType, _ string) (data []byte, err error) {
	start := time.Now()
	defer func() { b.observe("get_object", start, err) }()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(dirType, physicalID)),
	})
	if err != nil {
		return nil, classify(err, physicalID)
	}
	defer result.Body.Close()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read object %s: %v", storage.ErrUnavailable, physicalID, err)
	}
	return data, nil
}

// Delete removes the object. S3 deletes are idempotent, so existence is
// checked first to report ErrNotFound like the other backends.
func (b *S3Backend) Delete(ctx context.Context, physicalID string, dirType models.DirType) (err error) {
	start := time.Now()
	defer func() { b.observe("delete_object", start, err) }()

	key := b.objectKey(dirType, physicalID)
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classify(err, physicalID)
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classify(err, physicalID)
	}

	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// ImportExternal is not available on S3.
func (b *S3Backend) ImportExternal(context.Context, string) (*models.ImportedMedia, error) {
	return nil, fmt.Errorf("s3 import external media: %w", storage.ErrUnsupported)
}

// ExportExternal is not available on S3.
func (b *S3Backend) ExportExternal(context.Context, string, models.DirType) (string, error) {
	return "", fmt.Errorf("s3 export external media: %w", storage.ErrUnsupported)
}

// Type returns "s3".
func (b *S3Backend) Type() string { return string(models.KindS3) }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
