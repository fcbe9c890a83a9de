package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/rasterflow/pkg/geo"
)

func TestGridCounts(t *testing.T) {
	t.Run("should tile a 2048 square raster into 19x19", func(t *testing.T) {
		g := New(2048, 2048)
		nx, ny := g.NumTiles()
		assert.Equal(t, 19, nx)
		assert.Equal(t, 19, ny)

		cx, cy := g.NumChunks()
		assert.Equal(t, 1, cx)
		assert.Equal(t, 1, cy)
	})

	t.Run("should cover partial trailing tiles", func(t *testing.T) {
		// 113 pixels need two 112-pixel centre steps.
		g := New(113, 112)
		nx, ny := g.NumTiles()
		assert.Equal(t, 2, nx)
		assert.Equal(t, 1, ny)
	})

	t.Run("should split large rasters into multiple chunks", func(t *testing.T) {
		// 512 tiles per axis at the default 256 tiles per chunk.
		g := New(512*112, 512*112)
		nx, ny := g.NumTiles()
		assert.Equal(t, 512, nx)
		assert.Equal(t, 512, ny)
		cx, cy := g.NumChunks()
		assert.Equal(t, 2, cx)
		assert.Equal(t, 2, cy)
	})

	t.Run("should be monotonic in raster size", func(t *testing.T) {
		prev := 0
		for w := 1; w <= 4000; w += 37 {
			g := New(w, w)
			nx, _ := g.NumTiles()
			assert.GreaterOrEqual(t, nx, prev)
			prev = nx
		}
	})
}

func TestGridValidate(t *testing.T) {
	t.Run("should accept the defaults", func(t *testing.T) {
		assert.NoError(t, New(1000, 1000).Validate())
	})

	t.Run("should reject an empty centre", func(t *testing.T) {
		g := New(1000, 1000)
		g.TileOverlapX = g.TileWidth / 2
		assert.Error(t, g.Validate())
	})

	t.Run("should reject empty rasters", func(t *testing.T) {
		assert.Error(t, New(0, 100).Validate())
	})
}

func TestChunkSize(t *testing.T) {
	t.Run("should clamp the trailing chunk", func(t *testing.T) {
		g := New(300*112, 112)
		nx, _ := g.NumTiles()
		require.Equal(t, 300, nx)

		tw, th := g.ChunkSize(0, 0)
		assert.Equal(t, 256, tw)
		assert.Equal(t, 1, th)

		tw, th = g.ChunkSize(1, 0)
		assert.Equal(t, 44, tw)
		assert.Equal(t, 1, th)
	})

	t.Run("should return zero past the grid", func(t *testing.T) {
		g := New(112, 112)
		tw, th := g.ChunkSize(5, 5)
		assert.Equal(t, 0, tw)
		assert.Equal(t, 0, th)
	})

	t.Run("should sum to the total tile count", func(t *testing.T) {
		g := New(517*112+3, 260*112+50)
		nx, ny := g.NumTiles()
		ncx, ncy := g.NumChunks()

		sumX := 0
		for cx := 0; cx < ncx; cx++ {
			tw, _ := g.ChunkSize(cx, 0)
			sumX += tw
		}
		assert.Equal(t, nx, sumX)

		sumY := 0
		for cy := 0; cy < ncy; cy++ {
			_, th := g.ChunkSize(0, cy)
			sumY += th
		}
		assert.Equal(t, ny, sumY)
	})
}

func TestTileWindows(t *testing.T) {
	t.Run("should offset windows by the overlap", func(t *testing.T) {
		g := New(2048, 2048)
		it := g.TileWindows(0, 0)

		win, ok := it.Next()
		require.True(t, ok)
		assert.Equal(t, -56, win.Col)
		assert.Equal(t, -56, win.Row)
		assert.Equal(t, 224, win.Width)
		assert.Equal(t, 224, win.Height)

		win, ok = it.Next()
		require.True(t, ok)
		assert.Equal(t, 56, win.Col)
		assert.Equal(t, -56, win.Row)
	})

	t.Run("should enumerate every tile of the chunk exactly once", func(t *testing.T) {
		g := New(2048, 2048)
		nx, ny := g.NumTiles()

		seen := make(map[[2]int]bool)
		it := g.TileWindows(0, 0)
		for win, ok := it.Next(); ok; win, ok = it.Next() {
			tx, ty := g.TileIndex(win, 0, 0)
			assert.False(t, seen[[2]int{tx, ty}])
			seen[[2]int{tx, ty}] = true
		}
		assert.Len(t, seen, nx*ny)
	})

	t.Run("should tile centres edge to edge with no gaps", func(t *testing.T) {
		// Non-divisible dimensions: adjacent centre regions must abut.
		g := New(1000, 700)
		cw, _ := g.CentreSize()
		it := g.TileWindows(0, 0)
		var prev *Window
		for win, ok := it.Next(); ok; win, ok = it.Next() {
			win := win
			if prev != nil && prev.Row == win.Row {
				prevCentre := prev.Col + g.TileOverlapX
				centre := win.Col + g.TileOverlapX
				assert.Equal(t, prevCentre+cw, centre)
			}
			prev = &win
		}
	})

	t.Run("should start chunk windows at the chunk tile offset", func(t *testing.T) {
		g := New(300*112, 300*112)
		cw, _ := g.CentreSize()

		it := g.TileWindows(1, 1)
		win, ok := it.Next()
		require.True(t, ok)
		assert.Equal(t, 256*cw-g.TileOverlapX, win.Col)
		assert.Equal(t, 256*cw-g.TileOverlapY, win.Row)

		tx, ty := g.TileIndex(win, 1, 1)
		assert.Equal(t, 0, tx)
		assert.Equal(t, 0, ty)
	})
}

func TestTransforms(t *testing.T) {
	src := geo.Affine{A: 10, B: 0, C: 100, D: 0, E: -10, F: 500}

	t.Run("should scale the output transform by the centre step", func(t *testing.T) {
		g := New(2048, 2048)
		out := g.OutputTransform(src)
		// One output pixel covers one 112-pixel centre step.
		assert.InDelta(t, 1120.0, out.A, 1e-9)
		assert.InDelta(t, -1120.0, out.E, 1e-9)
		assert.InDelta(t, 100.0, out.C, 1e-9)
		assert.InDelta(t, 500.0, out.F, 1e-9)
	})

	t.Run("should match the output transform for chunk zero", func(t *testing.T) {
		g := New(2048, 2048)
		assert.Equal(t, g.OutputTransform(src), g.ChunkTransform(src, 0, 0))
	})

	t.Run("should map a chunk origin to its world position", func(t *testing.T) {
		g := New(300*112, 300*112)
		ct := g.ChunkTransform(src, 1, 0)
		x, y := ct.Apply(0, 0)
		// Chunk (1,0) starts 256 tiles in.
		ex, ey := g.OutputTransform(src).Apply(256, 0)
		assert.InDelta(t, ex, x, 1e-6)
		assert.InDelta(t, ey, y, 1e-6)
	})
}
