// Package assets stores captured binary artifacts under identity-derived
// keys with a byte cap, and downloads discovered assets into that store.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Object describes a stored blob.
type Object struct {
	Location    string
	Size        int64
	ContentType string
}

// Backend persists blobs. PutObject must never overwrite an existing key and
// must leave nothing behind when r returns an error.
type Backend interface {
	Stat(ctx context.Context, key string) (Object, bool, error)
	StatLocation(ctx context.Context, location string) (Object, bool, error)
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (Object, error)
}

// Identity names one asset of one post.
type Identity struct {
	Domain string
	PostID string
	URL    string
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key returns the storage key: domain/post_id/<name>-<digest><ext>. The digest
// of the URL keeps assets with the same file name apart.
func (id Identity) Key() string {
	name, ext := "asset", ""
	if u, err := url.Parse(id.URL); err == nil {
		base := path.Base(u.Path)
		if base != "." && base != "/" && base != "" {
			ext = path.Ext(base)
			name = strings.TrimSuffix(base, ext)
		}
	}
	name = unsafeName.ReplaceAllString(name, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	if name == "" || name == "." || name == ".." {
		name = "asset"
	}
	ext = unsafeName.ReplaceAllString(ext, "")
	if len(ext) > 10 {
		ext = ""
	}
	digest := sha256.Sum(id.URL)[:12]
	return path.Join(segment(id.Domain), segment(id.PostID), name+"-"+digest+ext)
}

func segment(s string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Config tunes the store.
type Config struct {
	// MaxBytes caps a single asset; zero or less disables the cap.
	MaxBytes int64
}

// Store writes assets to a Backend.
type Store struct {
	backend  Backend
	maxBytes int64
	logger   *zap.Logger
}

// New builds a Store.
func New(backend Backend, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: backend, maxBytes: cfg.MaxBytes, logger: logger.Named("assets")}
}

// MaxBytes reports the configured cap.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Lookup returns the location of an already stored asset.
func (s *Store) Lookup(ctx context.Context, id Identity) (string, bool, error) {
	obj, ok, err := s.backend.Stat(ctx, id.Key())
	if err != nil {
		return "", false, fmt.Errorf("stat asset: %w", err)
	}
	return obj.Location, ok, nil
}

// Save stores the bytes of r under the identity-derived key and returns the
// location. A declaredSize above the cap, or more bytes than the cap read
// from r, returns harvest.ErrAssetTooLarge and writes nothing. Saving an
// identity that already exists returns the existing location.
func (s *Store) Save(ctx context.Context, id Identity, r io.Reader, declaredSize int64) (string, error) {
	if s.maxBytes > 0 && declaredSize > s.maxBytes {
		return "", fmt.Errorf("declared %d bytes, cap %d: %w", declaredSize, s.maxBytes, harvest.ErrAssetTooLarge)
	}
	key := id.Key()
	if obj, ok, err := s.backend.Stat(ctx, key); err != nil {
		return "", fmt.Errorf("stat asset: %w", err)
	} else if ok {
		return obj.Location, nil
	}

	body := r
	if s.maxBytes > 0 {
		body = &cappedReader{r: r, remaining: s.maxBytes}
	}
	obj, err := s.backend.PutObject(ctx, key, ContentTypeFor(key), body)
	if err != nil {
		if errors.Is(err, harvest.ErrAssetTooLarge) {
			return "", fmt.Errorf("asset %s: %w", id.URL, harvest.ErrAssetTooLarge)
		}
		return "", fmt.Errorf("put asset: %w", err)
	}
	metrics.ObserveAssetBytes(id.Domain, obj.Size)
	s.logger.Debug("asset stored",
		zap.String("domain", id.Domain),
		zap.String("post_id", id.PostID),
		zap.String("location", obj.Location),
		zap.Int64("bytes", obj.Size),
	)
	return obj.Location, nil
}

// Inspect reports size and content type for a stored location.
func (s *Store) Inspect(ctx context.Context, location string) (Object, bool, error) {
	if location == "" {
		return Object{}, false, nil
	}
	obj, ok, err := s.backend.StatLocation(ctx, location)
	if err != nil {
		return Object{}, false, fmt.Errorf("inspect %s: %w", location, err)
	}
	return obj, ok, nil
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// cappedReader fails once more than remaining bytes have been read.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, harvest.ErrAssetTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return 0, harvest.ErrAssetTooLarge
	}
	return n, err
}
