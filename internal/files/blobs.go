package files

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Blobs stores file contents keyed by file uuid.
type Blobs interface {
	UploadURL(ctx context.Context, uuid string) (string, error)
	DownloadURL(ctx context.Context, uuid string) (string, error)
	Exists(ctx context.Context, uuid string) (bool, error)
	Remove(ctx context.Context, uuid string) error
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// MinioBlobs keeps file contents in one S3 compatible bucket. Clients upload
// and download directly through presigned URLs.
type MinioBlobs struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewMinioBlobs connects to the object store and creates the bucket when it
// does not exist yet.
func NewMinioBlobs(ctx context.Context, cfg MinioConfig) (*MinioBlobs, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MinioBlobs{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

func (b *MinioBlobs) UploadURL(ctx context.Context, uuid string) (string, error) {
	u, err := b.client.PresignedPutObject(ctx, b.bucket, uuid, b.ttl)
	if err != nil {
		return "", fmt.Errorf("presign upload %s: %w", uuid, err)
	}
	return u.String(), nil
}

func (b *MinioBlobs) DownloadURL(ctx context.Context, uuid string) (string, error) {
	u, err := b.client.PresignedGetObject(ctx, b.bucket, uuid, b.ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign download %s: %w", uuid, err)
	}
	return u.String(), nil
}

func (b *MinioBlobs) Exists(ctx context.Context, uuid string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, uuid, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", uuid, err)
}

func (b *MinioBlobs) Remove(ctx context.Context, uuid string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, uuid, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", uuid, err)
	}
	return nil
}

func (b *MinioBlobs) Ping(ctx context.Context) error {
	if _, err := b.client.BucketExists(ctx, b.bucket); err != nil {
		return fmt.Errorf("ping object store: %w", err)
	}
	return nil
}

// MemoryBlobs is an in-process Blobs used when no object store is configured.
type MemoryBlobs struct {
	mu      sync.Mutex
	objects map[string]bool
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{objects: make(map[string]bool)}
}

// Put marks uuid as uploaded.
func (b *MemoryBlobs) Put(uuid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[uuid] = true
}

func (b *MemoryBlobs) UploadURL(_ context.Context, uuid string) (string, error) {
	return "memory://upload/" + uuid, nil
}

func (b *MemoryBlobs) DownloadURL(_ context.Context, uuid string) (string, error) {
	return "memory://download/" + uuid, nil
}

func (b *MemoryBlobs) Exists(_ context.Context, uuid string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[uuid], nil
}

func (b *MemoryBlobs) Remove(_ context.Context, uuid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, uuid)
	return nil
}
