package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"decisionledger/internal/audit"
	"decisionledger/internal/logger"
)

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, reader *bytes.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, _ := io.ReadAll(reader)
	f.bucket, f.key, f.body, f.opts = bucket, key, body, opts
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 14, 5, 6, 789000000, time.FixedZone("CET", 3600))
	if got := ObjectKey("org_a", at); got != "audit/org_a/20260309T130506.789000Z.jsonl" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestPutChainUploadsBodyWithMetadata(t *testing.T) {
	putter := &fakePutter{}
	sink := &MinioSink{putter: putter, bucket: "ledger-audit", log: logger.Nop()}
	broken := int64(42)
	export := audit.Export{
		OrganizationID: "org_a",
		GeneratedAt:    time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC),
		EntryCount:     2,
		Verification:   audit.VerifyResult{OrganizationID: "org_a", IsValid: false, BrokenAtID: &broken},
		Body:           []byte("{\"id\":1}\n{\"id\":2}\n"),
	}

	location, err := sink.PutChain(context.Background(), export)
	if err != nil {
		t.Fatalf("PutChain failed: %v", err)
	}
	if location != "ledger-audit/audit/org_a/20260309T130000.000000Z.jsonl" {
		t.Errorf("unexpected location %q", location)
	}
	if putter.bucket != "ledger-audit" || string(putter.body) != string(export.Body) {
		t.Errorf("unexpected upload: bucket=%s body=%q", putter.bucket, putter.body)
	}
	meta := putter.opts.UserMetadata
	if meta["entry-count"] != "2" || meta["chain-valid"] != "false" || meta["broken-at-id"] != "42" || meta["organization-id"] != "org_a" {
		t.Errorf("unexpected metadata: %v", meta)
	}
	if putter.opts.ContentType != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", putter.opts.ContentType)
	}
}

func TestPutChainValidChainOmitsBrokenAt(t *testing.T) {
	meta := objectMetadata(audit.Export{OrganizationID: "org_a", Verification: audit.VerifyResult{IsValid: true}})
	if _, ok := meta["broken-at-id"]; ok {
		t.Fatal("valid chains must not carry broken-at-id")
	}
	if meta["chain-valid"] != "true" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
}

func TestPutChainWrapsUploadErrors(t *testing.T) {
	cause := errors.New("access denied")
	sink := &MinioSink{putter: &fakePutter{err: cause}, bucket: "b", log: logger.Nop()}
	if _, err := sink.PutChain(context.Background(), audit.Export{OrganizationID: "org_a"}); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped upload error, got %v", err)
	}
}

func TestNewMinioSinkRequiresBucket(t *testing.T) {
	if _, err := NewMinioSink(context.Background(), "localhost:9000", "k", "s", " ", false, nil); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
