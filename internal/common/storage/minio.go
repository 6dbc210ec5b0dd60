package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig points at the archive bucket.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

func (c MinIOConfig) validate() error {
	var missing []error
	for name, value := range map[string]string{
		"endpoint":  c.Endpoint,
		"accessKey": c.AccessKey,
		"secretKey": c.SecretKey,
		"bucket":    c.Bucket,
	} {
		if value == "" {
			missing = append(missing, fmt.Errorf("minio %s is required", name))
		}
	}
	return errors.Join(missing...)
}

// MinIOStore is a BundleStore on an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	region string
}

func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (s *MinIOStore) Bucket() string {
	return s.bucket
}

// EnsureBucket creates the archive bucket on first use. Losing a creation
// race to another processor is not an error.
func (s *MinIOStore) EnsureBucket(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s failed: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket %s failed: %w", s.bucket, err)
	}
	return nil
}

func (s *MinIOStore) Put(ctx context.Context, key string, body io.Reader, size int64, meta ObjectMeta) error {
	if key == "" || body == nil {
		return fmt.Errorf("object key and body are required")
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  meta.ContentType,
		UserMetadata: meta.Labels,
	})
	if err != nil {
		return fmt.Errorf("upload %s failed: %w", key, err)
	}
	return nil
}

func (s *MinIOStore) Stat(ctx context.Context, key string) (ObjectStat, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectStat{}, fmt.Errorf("stat %s failed: %w", key, err)
	}
	return ObjectStat{
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
		Labels:      info.UserMetadata,
	}, nil
}
