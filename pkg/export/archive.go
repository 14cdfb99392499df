package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datumfab/datum/pkg/fault"
)

// ObjectStore is the archival backend for export artifacts. Keys are
// opaque to implementations.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// Archiver writes every produced artifact to long-term object storage
// under a per-plan, per-version prefix.
type Archiver struct {
	store  ObjectStore
	prefix string
	log    *slog.Logger
}

func NewArchiver(store ObjectStore, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, prefix: prefix, log: logger}
}

// Archive stores the artifact and returns its object key.
func (a *Archiver) Archive(ctx context.Context, planID string, art *Artifact) (string, error) {
	key := fmt.Sprintf("%s/%s/v%d/%s", a.prefix, planID, art.Provenance.PlanVersion, art.Filename)
	if err := a.store.Put(ctx, key, art.ContentType, art.Data); err != nil {
		return "", fault.Wrap(fault.CodeInternal, "archive export artifact", err).With("key", key)
	}
	a.log.Info("export archived", "plan_id", planID, "key", key, "content_hash", art.ContentHash)
	return key, nil
}

// S3Store archives artifacts to an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

// GCSStore archives artifacts to a Cloud Storage bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
}

func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket)}
}

func (g *GCSStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// MemoryObjectStore backs tests and the default server configuration.
type MemoryObjectStore struct {
	objects map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Put(_ context.Context, key, _ string, data []byte) error {
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Object returns a stored object's bytes, or nil.
func (m *MemoryObjectStore) Object(key string) []byte {
	return m.objects[key]
}
