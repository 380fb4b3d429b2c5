// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/harvester/internal/assets"
)

// BlobStore stores artifacts in-memory and returns memory:// locations.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ assets.Backend = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// Stat reports the object stored at key.
func (s *BlobStore) Stat(_ context.Context, key string) (assets.Object, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return assets.Object{}, false, nil
	}
	return s.object(key, data), true, nil
}

// StatLocation reports the object behind a memory:// location.
func (s *BlobStore) StatLocation(ctx context.Context, location string) (assets.Object, bool, error) {
	key, ok := strings.CutPrefix(location, "memory://")
	if !ok {
		return assets.Object{}, false, nil
	}
	return s.Stat(ctx, key)
}

// PutObject persists the content unless key already exists.
func (s *BlobStore) PutObject(_ context.Context, key string, _ string, r io.Reader) (assets.Object, error) {
	byteData, err := io.ReadAll(r)
	if err != nil {
		return assets.Object{}, fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[key]; ok {
		return s.object(key, existing), nil
	}
	s.data[key] = append([]byte(nil), byteData...)
	return s.object(key, byteData), nil
}

// Bytes returns a copy of the stored content.
func (s *BlobStore) Bytes(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (s *BlobStore) object(key string, data []byte) assets.Object {
	return assets.Object{
		Location:    "memory://" + key,
		Size:        int64(len(data)),
		ContentType: assets.ContentTypeFor(key),
	}
}
