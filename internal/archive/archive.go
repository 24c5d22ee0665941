// Package archive keeps the raw item_doc of every ingested post in object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// IsConfigured returns true if an object store endpoint is set
func (c Config) IsConfigured() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// Store writes raw payloads to a MinIO/S3 bucket.
type Store struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// New connects to the object store and creates the bucket if it is missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
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
	return &Store{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// ArchiveRaw stores raw under ObjectKey(originID, now). Re-ingestion of the
// same post on the same day overwrites the earlier copy.
func (s *Store) ArchiveRaw(ctx context.Context, originID string, raw []byte) error {
	key := ObjectKey(originID, s.now())
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// ObjectKey returns raw/<yyyy>/<mm>/<dd>/<origin_id>.json using the UTC date of at.
func ObjectKey(originID string, at time.Time) string {
	at = at.UTC()
	return path.Join("raw", at.Format("2006"), at.Format("01"), at.Format("02"), safeName(originID)+".json")
}

// safeName keeps origin ids from escaping their day prefix.
func safeName(originID string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(originID))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
