// Package blob stores uploaded files and generated media in an S3-compatible
// object store.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

// ObjectStore is the subset of object storage the service needs.
type ObjectStore interface {
	// Put writes an object. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error
	// URL returns a URL clients can fetch the object from.
	URL(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
}

// MinioConfig configures MinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// MinioStore is an ObjectStore backed by minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	logger zerolog.Logger
}

// NewMinio connects to the object store and ensures the bucket exists.
func NewMinio(ctx context.Context, cfg MinioConfig, logger zerolog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	s := &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		expiry: cfg.URLExpiry,
		logger: logger.With().Str("component", "blob").Logger(),
	}
	if s.expiry <= 0 || s.expiry > 7*24*time.Hour {
		s.expiry = 7 * 24 * time.Hour
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, classifyMinio(err))
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, classifyMinio(err))
		}
		s.logger.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}
	return s, nil
}

// Put uploads an object.
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta map[string]string) error {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return classifyMinio(err)
	}
	s.logger.Debug().Str("key", key).Int64("size", info.Size).Msg("object stored")
	return nil
}

// URL returns a presigned GET URL for key.
func (s *MinioStore) URL(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, url.Values{})
	if err != nil {
		return "", classifyMinio(err)
	}
	return u.String(), nil
}

// Ping checks that the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return classifyMinio(err)
}

func classifyMinio(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%w: %w", perrors.ErrAuthFailure, err)
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return fmt.Errorf("%w: %w", perrors.ErrAuthFailure, err)
	}
	return fmt.Errorf("%w: %w", perrors.ErrStorage, err)
}

// MemoryStore is an in-process ObjectStore for tests and local runs
// without an object store.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]MemoryObject
}

// MemoryObject is a stored object.
type MemoryObject struct {
	Data        []byte
	ContentType string
	Meta        map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]MemoryObject)}
}

// Put stores the object.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string, meta map[string]string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("%w: %w", perrors.ErrStorage, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = MemoryObject{Data: buf.Bytes(), ContentType: contentType, Meta: meta}
	return nil
}

// URL returns a memory:// URL for key.
func (m *MemoryStore) URL(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", perrors.ErrNotFound
	}
	return "memory://" + key, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Get returns a stored object.
func (m *MemoryStore) Get(key string) (MemoryObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
