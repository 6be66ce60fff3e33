package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

const objectStoreKey = "session.json"

// ObjectStoreConfig captures configuration for the object storage backend.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
	PathStyle bool
}

// ObjectStore persists all slots as a single object in an S3-compatible bucket.
// A single PUT replaces the whole document, so a batch is never half-applied.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	sealer *Sealer
	mu     sync.Mutex
}

// NewObjectStore initializes an object storage backend.
func NewObjectStore(cfg ObjectStoreConfig, sealer *Sealer) (*ObjectStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectStore{client: client, cfg: cfg, sealer: sealer}, nil
}

func (s *ObjectStore) Name() string { return "object" }

func (s *ObjectStore) Close() error { return nil }

// EnsureBucket creates the target bucket when it does not exist.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.fetchLocked(ctx)
	if err != nil {
		return nil, err
	}
	return doc.pick(keys), nil
}

func (s *ObjectStore) Set(ctx context.Context, items map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.fetchLocked(ctx)
	if err != nil {
		return err
	}
	doc.apply(items)
	return s.putLocked(ctx, doc)
}

func (s *ObjectStore) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.fetchLocked(ctx)
	if err != nil {
		return err
	}
	if !doc.remove(keys) {
		return nil
	}
	return s.putLocked(ctx, doc)
}

func (s *ObjectStore) fetchLocked(ctx context.Context) (document, error) {
	key := s.objectKey()
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return make(document), nil
		}
		return nil, fmt.Errorf("object store: fetch %s: %w", key, err)
	}
	defer func() {
		if errClose := object.Close(); errClose != nil {
			log.WithError(errClose).Debug("object store: close object reader")
		}
	}()
	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return make(document), nil
		}
		return nil, fmt.Errorf("object store: read %s: %w", key, err)
	}
	doc, err := decodeDocument(s.sealer, data)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	return doc, nil
}

func (s *ObjectStore) putLocked(ctx context.Context, doc document) error {
	key := s.objectKey()
	if len(doc) == 0 {
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil && !isObjectNotFound(err) {
			return fmt.Errorf("object store: delete %s: %w", key, err)
		}
		return nil
	}
	data, err := encodeDocument(s.sealer, doc)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	contentType := "application/json"
	if s.sealer != nil {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("object store: put %s: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) objectKey() string {
	if s.cfg.Prefix == "" {
		return objectStoreKey
	}
	return s.cfg.Prefix + "/" + objectStoreKey
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
