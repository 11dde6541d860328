// Package archive stores exported audit chains in S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"decisionledger/internal/audit"
	"decisionledger/internal/logger"
)

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioPutter narrows *minio.Client to the single call the sink makes.
type minioPutter struct {
	client *minio.Client
}

func (p minioPutter) PutObject(ctx context.Context, bucket, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return p.client.PutObject(ctx, bucket, key, reader, size, opts)
}

// MinioSink implements audit.Sink on top of a bucket.
type MinioSink struct {
	putter objectPutter
	bucket string
	log    *logger.Logger
}

// NewMinioSink connects to the endpoint and makes sure the bucket exists.
func NewMinioSink(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, log *logger.Logger) (*MinioSink, error) {
	if log == nil {
		log = logger.Nop()
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		log.Info("created archive bucket", "bucket", bucket)
	}
	return &MinioSink{putter: minioPutter{client: client}, bucket: bucket, log: log.With("component", "archive")}, nil
}

// ObjectKey is where an export generated at the given time is stored.
func ObjectKey(organizationID string, generatedAt time.Time) string {
	return fmt.Sprintf("audit/%s/%s.jsonl", organizationID, generatedAt.UTC().Format("20060102T150405.000000Z"))
}

// objectMetadata carries the verification outcome so an archive can be
// triaged without downloading it.
func objectMetadata(export audit.Export) map[string]string {
	meta := map[string]string{
		"organization-id": export.OrganizationID,
		"entry-count":     strconv.Itoa(export.EntryCount),
		"chain-valid":     strconv.FormatBool(export.Verification.IsValid),
		"generated-at":    export.GeneratedAt.UTC().Format(time.RFC3339Nano),
	}
	if export.Verification.BrokenAtID != nil {
		meta["broken-at-id"] = strconv.FormatInt(*export.Verification.BrokenAtID, 10)
	}
	return meta
}

// PutChain uploads the export and returns its bucket/key location.
func (s *MinioSink) PutChain(ctx context.Context, export audit.Export) (string, error) {
	key := ObjectKey(export.OrganizationID, export.GeneratedAt)
	reader := bytes.NewReader(export.Body)
	info, err := s.putter.PutObject(ctx, s.bucket, key, reader, int64(len(export.Body)), minio.PutObjectOptions{
		ContentType:  "application/x-ndjson",
		UserMetadata: objectMetadata(export),
	})
	if err != nil {
		return "", fmt.Errorf("upload audit archive: %w", err)
	}
	s.log.Info("audit archive stored",
		"org_id", export.OrganizationID,
		"key", key,
		"size", info.Size,
		"entries", export.EntryCount,
	)
	return s.bucket + "/" + key, nil
}
