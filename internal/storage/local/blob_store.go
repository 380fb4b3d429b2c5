// Package local implements a local filesystem blob store for captured assets.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/harvester/internal/assets"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem. Objects are never
// overwritten; a second write of the same key is a no-op.
type BlobStore struct {
	baseDir string
}

var _ assets.Backend = (*BlobStore)(nil)

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{
		baseDir: cfg.BaseDir,
	}, nil
}

// Stat reports the object stored at key, if any.
func (s *BlobStore) Stat(_ context.Context, key string) (assets.Object, bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return assets.Object{}, false, err
	}
	return statPath(fullPath)
}

// StatLocation reports the object at a location previously returned by PutObject.
func (s *BlobStore) StatLocation(_ context.Context, location string) (assets.Object, bool, error) {
	return statPath(location)
}

// PutObject streams r into a temporary file next to the target and links it
// into place. Read errors, including the size cap tripping, remove the
// partial file and leave no object behind.
func (s *BlobStore) PutObject(_ context.Context, key string, contentType string, r io.Reader) (assets.Object, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return assets.Object{}, err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return assets.Object{}, fmt.Errorf("failed to create parent directories: %w", err)
	}
	if obj, ok, err := statPath(fullPath); err != nil || ok {
		return obj, err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(fullPath)+".*.part")
	if err != nil {
		return assets.Object{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // already linked or abandoned

	written, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		return assets.Object{}, fmt.Errorf("write %s: %w", key, copyErr)
	}
	if closeErr != nil {
		return assets.Object{}, fmt.Errorf("close temp file: %w", closeErr)
	}

	if err := os.Link(tmpPath, fullPath); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			if renameErr := os.Rename(tmpPath, fullPath); renameErr != nil {
				return assets.Object{}, fmt.Errorf("move into place: %w", renameErr)
			}
		}
		obj, _, statErr := statPath(fullPath)
		return obj, statErr
	}
	return assets.Object{Location: fullPath, Size: written, ContentType: contentType}, nil
}

func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, key)

	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}

func statPath(path string) (assets.Object, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return assets.Object{}, false, nil
		}
		return assets.Object{}, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return assets.Object{}, false, nil
	}
	return assets.Object{
		Location:    path,
		Size:        info.Size(),
		ContentType: assets.ContentTypeFor(path),
	}, true, nil
}
