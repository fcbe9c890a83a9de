package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects map[string][]byte
	reads   int
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	m.reads++
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) RemoveTree(ctx context.Context, prefix string) error {
	for k := range m.objects {
		if strings.HasPrefix(k, prefix+"/") {
			delete(m.objects, k)
		}
	}
	return nil
}

func TestCacheDownload(t *testing.T) {
	t.Run("should download once and reuse the local copy", func(t *testing.T) {
		store := newMemStore()
		store.objects["r1/src.rst"] = []byte("pixels")
		c := NewCache(store, t.TempDir())

		p1, err := c.Download(context.Background(), "r1/src.rst")
		require.NoError(t, err)
		data, err := os.ReadFile(p1)
		require.NoError(t, err)
		assert.Equal(t, []byte("pixels"), data)

		p2, err := c.Download(context.Background(), "r1/src.rst")
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
		assert.Equal(t, 1, store.reads)
	})

	t.Run("should fail on a missing object", func(t *testing.T) {
		c := NewCache(newMemStore(), t.TempDir())
		_, err := c.Download(context.Background(), "absent")
		assert.Error(t, err)
	})

	t.Run("should leave no temp files behind", func(t *testing.T) {
		store := newMemStore()
		store.objects["r1/a"] = []byte("x")
		dir := t.TempDir()
		c := NewCache(store, dir)
		_, err := c.Download(context.Background(), "r1/a")
		require.NoError(t, err)

		entries, err := os.ReadDir(filepath.Join(dir, "r1"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a", entries[0].Name())
	})
}

func TestCacheUploadAndPurge(t *testing.T) {
	t.Run("should upload a local file under its key", func(t *testing.T) {
		store := newMemStore()
		dir := t.TempDir()
		c := NewCache(store, dir)

		local := filepath.Join(dir, "out.rst")
		require.NoError(t, os.WriteFile(local, []byte("scored"), 0o644))
		require.NoError(t, c.Upload(context.Background(), "r1/dst.rst", local))
		assert.Equal(t, []byte("scored"), store.objects["r1/dst.rst"])
	})

	t.Run("should purge one raster's working area only", func(t *testing.T) {
		store := newMemStore()
		store.objects["r1/src.rst"] = []byte("a")
		store.objects["r2/src.rst"] = []byte("b")
		dir := t.TempDir()
		c := NewCache(store, dir)

		_, err := c.Download(context.Background(), "r1/src.rst")
		require.NoError(t, err)
		_, err = c.Download(context.Background(), "r2/src.rst")
		require.NoError(t, err)

		require.NoError(t, c.Purge("r1"))
		_, err = os.Stat(c.Path("r1/src.rst"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(c.Path("r2/src.rst"))
		assert.NoError(t, err)
	})
}
