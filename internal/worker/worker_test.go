package worker

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

	"github.com/terminal-bench/rasterflow/internal/blobstore"
	"github.com/terminal-bench/rasterflow/internal/oracle"
	"github.com/terminal-bench/rasterflow/pkg/geo"
	"github.com/terminal-bench/rasterflow/pkg/grid"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
	"github.com/terminal-bench/rasterflow/pkg/questions"
	"github.com/terminal-bench/rasterflow/pkg/raster"
)

// memStore is an in-memory blob store for exercising the worker without
// MinIO.
type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
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

func testJob() messaging.ChunkJob {
	g := grid.New(224, 224)
	return messaging.ChunkJob{
		RasterID: "r1",
		File:     "r1/src.rst",
		QuestionSet: []questions.Question{
			{
				Text: "Is anything anomalous?",
				Answers: []questions.Answer{
					{Text: "yes", Effects: []questions.Effect{{Name: "anomaly", Value: 0.9}}},
					{Text: "no", Effects: []questions.Effect{{Name: "anomaly", Value: 0}}},
				},
			},
		},
		EffectSet: []string{"anomaly"},
		Grid:      g,
		Chunk:     [2]int{0, 0},
	}
}

func TestAttemptCap(t *testing.T) {
	t.Run("should fail terminally at the attempt cap without any work", func(t *testing.T) {
		blobs := newMemStore()
		scripted := &oracle.Scripted{Answers: []string{"yes"}}
		w := New(Config{
			Cache:  blobstore.NewCache(blobs, t.TempDir()),
			Oracle: scripted,
		})

		result, failure, err := w.ProcessChunk(context.Background(), testJob(), 6)
		require.NoError(t, err)
		assert.Nil(t, result)
		require.NotNil(t, failure)
		assert.Equal(t, FailureMaxAttempts, failure.Reason)
		assert.Equal(t, "r1", failure.RasterID)
		assert.Equal(t, [2]int{0, 0}, failure.Chunk)

		// No oracle calls, no artifacts.
		assert.Zero(t, scripted.Calls)
		assert.Empty(t, blobs.objects)
	})

	t.Run("should still process the attempt before the cap", func(t *testing.T) {
		blobs := newMemStore()
		uploadSource(t, blobs)
		w := New(Config{
			Cache:  blobstore.NewCache(blobs, t.TempDir()),
			Oracle: &oracle.Scripted{Answers: []string{"yes"}},
		})

		result, failure, err := w.ProcessChunk(context.Background(), testJob(), 4)
		require.NoError(t, err)
		assert.Nil(t, failure)
		require.NotNil(t, result)
		assert.Equal(t, "r1/dst-0-0-4.rst", result.File)
	})
}

func TestProcessChunk(t *testing.T) {
	t.Run("should write one score pixel per tile", func(t *testing.T) {
		blobs := newMemStore()
		uploadSource(t, blobs)
		dir := t.TempDir()
		cache := blobstore.NewCache(blobs, dir)
		w := New(Config{
			Cache:  cache,
			Oracle: &oracle.Scripted{Answers: []string{"yes"}},
		})

		job := testJob()
		result, failure, err := w.ProcessChunk(context.Background(), job, 1)
		require.NoError(t, err)
		require.Nil(t, failure)
		require.NotNil(t, result)
		assert.Equal(t, "r1/dst-0-0-1.rst", result.File)

		// 224x224 source with 112 centre steps gives a 2x2 output.
		d, err := raster.Open(cache.Path(result.File))
		require.NoError(t, err)
		defer d.Close()
		p := d.Profile()
		assert.Equal(t, 2, p.Width)
		assert.Equal(t, 2, p.Height)
		assert.Equal(t, 1, p.Bands)

		data, err := d.ReadBand(0)
		require.NoError(t, err)
		for _, v := range data {
			assert.InDelta(t, 0.9, v, 1e-6)
		}
	})

	t.Run("should skip tiles that are entirely nodata", func(t *testing.T) {
		blobs := newMemStore()
		// Source with nodata declared and every pixel left at it.
		path := filepath.Join(t.TempDir(), "src.rst")
		nodata := 0.0
		wr, err := raster.Create(path, raster.Profile{
			Width: 224, Height: 224, Bands: 3, DType: raster.DTypeUint8,
			NoData:    &nodata,
			Transform: geo.Affine{A: 1, E: -1},
		})
		require.NoError(t, err)
		require.NoError(t, wr.Close())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		blobs.objects["r1/src.rst"] = data

		scripted := &oracle.Scripted{Answers: []string{"yes"}}
		w := New(Config{
			Cache:  blobstore.NewCache(blobs, t.TempDir()),
			Oracle: scripted,
		})

		result, _, err := w.ProcessChunk(context.Background(), testJob(), 1)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Zero(t, scripted.Calls)
	})

	t.Run("should return a transient error on a malformed grid", func(t *testing.T) {
		w := New(Config{Oracle: &oracle.Scripted{}})
		job := testJob()
		job.Grid.TileOverlapX = job.Grid.TileWidth
		_, _, err := w.ProcessChunk(context.Background(), job, 1)
		assert.Error(t, err)
	})
}

// uploadSource stores a 224x224 RGB source raster with non-nodata content.
func uploadSource(t *testing.T, blobs *memStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.rst")
	wr, err := raster.Create(path, raster.Profile{
		Width: 224, Height: 224, Bands: 3, DType: raster.DTypeUint8,
		Transform: geo.Affine{A: 1, E: -1},
	})
	require.NoError(t, err)
	vals := make([]float64, 224*224)
	for i := range vals {
		vals[i] = float64(i%200 + 1)
	}
	for b := 0; b < 3; b++ {
		require.NoError(t, wr.Write(b, grid.Window{Col: 0, Row: 0, Width: 224, Height: 224}, vals))
	}
	require.NoError(t, wr.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blobs.objects["r1/src.rst"] = data
}
