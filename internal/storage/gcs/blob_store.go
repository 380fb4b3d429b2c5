// Package gcs provides an asset backend backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/harvester/internal/assets"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes artifacts to a configured GCS bucket. Writes are
// conditional on the object not existing, so concurrent writers of the same
// key converge on the first upload.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ assets.Backend = (*BlobStore)(nil)

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Stat reports the object stored at key, if any.
func (s *BlobStore) Stat(ctx context.Context, key string) (assets.Object, bool, error) {
	return s.stat(ctx, s.objectName(key))
}

// StatLocation accepts gs://bucket/object URIs returned by PutObject.
func (s *BlobStore) StatLocation(ctx context.Context, location string) (assets.Object, bool, error) {
	rest, ok := strings.CutPrefix(location, "gs://"+s.bucket+"/")
	if !ok {
		return assets.Object{}, false, nil
	}
	return s.stat(ctx, rest)
}

// PutObject uploads r to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (assets.Object, error) {
	if strings.TrimSpace(key) == "" {
		return assets.Object{}, fmt.Errorf("path is required")
	}
	name := s.objectName(key)
	obj := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := obj.NewWriter(writeCtx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	written, err := io.Copy(writer, r)
	if err != nil {
		// Canceling the context aborts the upload instead of committing a partial object.
		cancel()
		_ = writer.Close()
		return assets.Object{}, fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			existing, _, statErr := s.stat(ctx, name)
			return existing, statErr
		}
		return assets.Object{}, fmt.Errorf("close writer: %w", err)
	}
	return assets.Object{Location: s.location(name), Size: written, ContentType: contentType}, nil
}

func (s *BlobStore) stat(ctx context.Context, name string) (assets.Object, bool, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return assets.Object{}, false, nil
		}
		return assets.Object{}, false, fmt.Errorf("object attrs: %w", err)
	}
	return assets.Object{Location: s.location(name), Size: attrs.Size, ContentType: attrs.ContentType}, true, nil
}

func (s *BlobStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *BlobStore) location(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, name)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
