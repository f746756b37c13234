// Package artifact stores job attachments in S3-compatible object storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

const attachmentsObject = "attachments.zip"

// StorageConfig holds configuration for attachment storage.
type StorageConfig struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

// Storage keeps one attachments archive per job.
type Storage struct {
	client     *minio.Client
	bucket     string
	logger     zerolog.Logger
	pathPrefix string
}

// NewStorage creates a Storage backed by MinIO/S3.
func NewStorage(cfg StorageConfig, logger zerolog.Logger) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "attachments"
	}

	return &Storage{
		client:     client,
		bucket:     cfg.Bucket,
		logger:     logger.With().Str("component", "attachment-storage").Logger(),
		pathPrefix: prefix,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info().Str("bucket", s.bucket).Msg("Created bucket")
	}

	return nil
}

// UploadAttachments stores the zipped attachments of a job. size may be
// -1 when unknown.
func (s *Storage) UploadAttachments(ctx context.Context, jobID string, archive io.Reader, size int64) error {
	key := s.objectPath(jobID)

	info, err := s.client.PutObject(ctx, s.bucket, key, archive, size, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return fmt.Errorf("failed to upload attachments: %w", err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("path", key).
		Int64("size", info.Size).
		Msg("Uploaded attachments")
	return nil
}

// PresignedURL returns a time-limited download link for a job's attachments.
func (s *Storage) PresignedURL(ctx context.Context, jobID string, expires time.Duration) (string, error) {
	if expires <= 0 {
		expires = time.Hour
	}
	if expires > 7*24*time.Hour {
		expires = 7 * 24 * time.Hour
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.objectPath(jobID), expires, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u.String(), nil
}

// Prune deletes archives last modified before cutoff and returns how
// many were removed.
func (s *Storage) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.pathPrefix + "/",
		Recursive: true,
	})

	expired := make(chan minio.ObjectInfo)
	var (
		listErr error
		queued  int
	)
	go func() {
		defer close(expired)
		for obj := range objects {
			if obj.Err != nil {
				listErr = obj.Err
				continue
			}
			if obj.LastModified.Before(cutoff) {
				queued++
				expired <- obj
			}
		}
	}()

	// The error channel closes only after expired is drained, so queued
	// and listErr are final once the loop ends.
	failed := 0
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, expired, minio.RemoveObjectsOptions{}) {
		failed++
		s.logger.Warn().Err(rerr.Err).Str("key", rerr.ObjectName).Msg("Failed to delete attachments")
	}

	removed := queued - failed
	if listErr != nil {
		return removed, fmt.Errorf("failed to list attachments: %w", listErr)
	}
	if failed > 0 {
		return removed, fmt.Errorf("failed to delete %d attachment archives", failed)
	}
	return removed, nil
}

// HealthCheck checks if the storage backend is reachable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

// objectPath returns the key of a job's archive. The job id is reduced to
// a single clean path segment.
func (s *Storage) objectPath(jobID string) string {
	id := path.Base(path.Clean("/" + jobID))
	if id == "/" || id == "." {
		id = "_"
	}
	return fmt.Sprintf("%s/%s/%s", s.pathPrefix, id, attachmentsObject)
}
