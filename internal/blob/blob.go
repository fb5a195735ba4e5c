// Package blob removes attachment objects once nothing references them.
// Deletion is the only operation the sync engine needs; uploads happen in
// the main application.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store deletes an attachment object by key.
type Store interface {
	Remove(ctx context.Context, key string) error
}

var (
	ErrUnsafeKey = errors.New("unsafe attachment key")

	// Attachment keys come out of user-authored document content, so they
	// are validated against a narrow allowlist before anything touches
	// storage. Anything path-like is rejected outright.
	safeKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidateKey rejects directory traversal and any character outside the
// allowlist. Callers must run it before Remove.
func ValidateKey(key string) error {
	if key == "" || len(key) > 256 {
		return ErrUnsafeKey
	}
	if !safeKey.MatchString(key) {
		return ErrUnsafeKey
	}
	return nil
}

// MinioStore deletes attachments from an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// DirStore deletes attachments from a local directory. Used in tests and
// single-node deployments without object storage.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (s *DirStore) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	path := filepath.Join(s.dir, key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove attachment %s: %w", key, err)
	}
	return nil
}
