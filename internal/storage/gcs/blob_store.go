// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the bucket layout for stored PDFs.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	// ChunkSize is the resumable upload chunk in bytes; 0 keeps the client
	// default.
	ChunkSize int `mapstructure:"chunk_size"`
}

// BlobStore writes PDFs to a bucket. Objects are create-only: a second
// upload of the same filename leaves the first in place.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	prefix    string
	chunkSize int
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("gcs: chunk size must be >= 0, got %d", cfg.ChunkSize)
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		chunkSize: cfg.ChunkSize,
	}, nil
}

func (s *BlobStore) key(path string) string {
	path = strings.TrimLeft(path, "/")
	if s.prefix == "" {
		return path
	}
	if path == "" {
		return s.prefix
	}
	return s.prefix + "/" + path
}

func (s *BlobStore) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.key(path))
}

// PutObject uploads r under path and returns its gs:// URI. Losing a race
// with another writer of the same path counts as success.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("gcs: path is required")
	}
	w := s.object(path).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if s.chunkSize > 0 {
		w.ChunkSize = s.chunkSize
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil && !alreadyStored(closeErr) {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil && !alreadyStored(err) {
		return "", fmt.Errorf("finish upload %s: %w", path, err)
	}
	return s.URI(path), nil
}

// Exists reports whether the object is already in the bucket.
func (s *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", path, err)
	}
	return true, nil
}

// URI returns the gs:// URI for path.
func (s *BlobStore) URI(path string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.key(path))
}

func alreadyStored(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
