package blobstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Cache is a local working-area mirror of remote artifacts, keyed the same
// way. Downloads are idempotent: an already-cached file is a no-op, which is
// what makes redelivered jobs safe to repeat.
type Cache struct {
	store Store
	dir   string
}

// NewCache returns a cache rooted at dir.
func NewCache(store Store, dir string) *Cache {
	return &Cache{store: store, dir: dir}
}

// Path returns the local path for a remote key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, filepath.FromSlash(key))
}

// Download ensures the remote object is present locally and returns its
// path. A no-op when the file is already cached.
func (c *Cache) Download(ctx context.Context, key string) (string, error) {
	dst := c.Path(key)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	log.Printf("downloading %s", key)
	r, err := c.store.Read(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	// Write through a temp name so a crashed download never looks cached.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move download into cache: %w", err)
	}
	return dst, nil
}

// Upload copies a local file to the remote store under key.
func (c *Cache) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	log.Printf("uploading %s", key)
	return c.store.Write(ctx, key, f, info.Size())
}

// Purge removes the local working area for one raster. Best effort; the
// durable copies already live in the remote store.
func (c *Cache) Purge(rasterID string) error {
	return os.RemoveAll(filepath.Join(c.dir, rasterID))
}
