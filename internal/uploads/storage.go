package uploads

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/isqad/livemeet-sfu/internal/config"
)

const putTimeout = 10 * time.Minute

// StoredObject tells where a file landed.
type StoredObject struct {
	Key  string
	URL  string
	Size int64
}

// BlobStore is the durable side of the upload queue.
type BlobStore interface {
	PutFile(ctx context.Context, key string, localPath string) (*StoredObject, error)
}

// S3Store uploads recording files to an S3-compatible endpoint.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket when missing. Called once at startup.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}

	return nil
}

func (s *S3Store) PutFile(ctx context.Context, key string, localPath string) (*StoredObject, error) {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	return &StoredObject{
		Key:  key,
		URL:  fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Size: info.Size,
	}, nil
}
