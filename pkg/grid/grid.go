package grid

import (
	"fmt"

	"github.com/terminal-bench/rasterflow/pkg/geo"
)

// Default tiling parameters. 224px tiles match the oracle's input size; a
// 56px overlap leaves a 112px centre so each tile contributes exactly one
// output pixel with context on all sides.
const (
	DefaultTileSize      = 224
	DefaultTileOverlap   = 56
	DefaultTilesPerChunk = 256
)

// Grid describes how a raster is partitioned into overlapping tiles and how
// tiles group into chunks. It is an immutable value; tile and chunk counts
// are always derived from it, never stored alongside it.
type Grid struct {
	RasterWidth    int `json:"raster_width"`
	RasterHeight   int `json:"raster_height"`
	TileWidth      int `json:"tile_width"`
	TileHeight     int `json:"tile_height"`
	TilesXPerChunk int `json:"tiles_x_per_chunk"`
	TilesYPerChunk int `json:"tiles_y_per_chunk"`
	TileOverlapX   int `json:"tile_overlap_x"`
	TileOverlapY   int `json:"tile_overlap_y"`
}

// Window is a pixel-space box. It may extend past the raster edge; readers
// fill out-of-bounds pixels instead of failing.
type Window struct {
	Col    int
	Row    int
	Width  int
	Height int
}

// New returns a grid over a raster of the given dimensions with the default
// tile and chunk parameters.
func New(rasterWidth, rasterHeight int) Grid {
	return Grid{
		RasterWidth:    rasterWidth,
		RasterHeight:   rasterHeight,
		TileWidth:      DefaultTileSize,
		TileHeight:     DefaultTileSize,
		TilesXPerChunk: DefaultTilesPerChunk,
		TilesYPerChunk: DefaultTilesPerChunk,
		TileOverlapX:   DefaultTileOverlap,
		TileOverlapY:   DefaultTileOverlap,
	}
}

// Validate checks the centre region is nonempty: each tile dimension must
// exceed twice its overlap.
func (g Grid) Validate() error {
	if g.RasterWidth <= 0 || g.RasterHeight <= 0 {
		return fmt.Errorf("invalid raster dimensions %dx%d", g.RasterWidth, g.RasterHeight)
	}
	if g.TileWidth <= 2*g.TileOverlapX {
		return fmt.Errorf("tile width %d must exceed twice the overlap %d", g.TileWidth, g.TileOverlapX)
	}
	if g.TileHeight <= 2*g.TileOverlapY {
		return fmt.Errorf("tile height %d must exceed twice the overlap %d", g.TileHeight, g.TileOverlapY)
	}
	if g.TilesXPerChunk <= 0 || g.TilesYPerChunk <= 0 {
		return fmt.Errorf("invalid tiles per chunk %dx%d", g.TilesXPerChunk, g.TilesYPerChunk)
	}
	return nil
}

// CentreSize returns the non-overlapping stride between tiles per axis.
func (g Grid) CentreSize() (w, h int) {
	return g.TileWidth - 2*g.TileOverlapX, g.TileHeight - 2*g.TileOverlapY
}

// NumTiles returns the tile count per axis.
func (g Grid) NumTiles() (nx, ny int) {
	cw, ch := g.CentreSize()
	return ceilDiv(g.RasterWidth, cw), ceilDiv(g.RasterHeight, ch)
}

// NumChunks returns the chunk count per axis.
func (g Grid) NumChunks() (cx, cy int) {
	nx, ny := g.NumTiles()
	return ceilDiv(nx, g.TilesXPerChunk), ceilDiv(ny, g.TilesYPerChunk)
}

// ChunkSize returns the number of tiles actually present in chunk (cx, cy);
// chunks at the grid edge may be partial. This is the one canonical formula
// for output pixel dimensions: a chunk's partial raster is ChunkSize pixels,
// and the stitched output is NumTiles pixels.
func (g Grid) ChunkSize(cx, cy int) (tw, th int) {
	nx, ny := g.NumTiles()
	tw = min(g.TilesXPerChunk, nx-cx*g.TilesXPerChunk)
	th = min(g.TilesYPerChunk, ny-cy*g.TilesYPerChunk)
	if tw < 0 {
		tw = 0
	}
	if th < 0 {
		th = 0
	}
	return tw, th
}

// TileWindows returns an iterator over the tile windows of chunk (cx, cy) in
// row-major order (y outer, x inner). The sequence is a pure function of the
// grid and chunk address, so it is finite and restartable.
func (g Grid) TileWindows(cx, cy int) *WindowIter {
	tw, th := g.ChunkSize(cx, cy)
	return &WindowIter{grid: g, chunkX: cx, chunkY: cy, tilesX: tw, tilesY: th}
}

// WindowIter enumerates tile windows within one chunk.
type WindowIter struct {
	grid           Grid
	chunkX, chunkY int
	tilesX, tilesY int
	tileX, tileY   int
}

// Next returns the next window and false once the chunk is exhausted.
func (it *WindowIter) Next() (Window, bool) {
	if it.tileY >= it.tilesY || it.tilesX == 0 {
		return Window{}, false
	}
	cw, ch := it.grid.CentreSize()
	xOff := it.chunkX * it.grid.TilesXPerChunk * cw
	yOff := it.chunkY * it.grid.TilesYPerChunk * ch
	w := Window{
		Col:    xOff + it.tileX*cw - it.grid.TileOverlapX,
		Row:    yOff + it.tileY*ch - it.grid.TileOverlapY,
		Width:  it.grid.TileWidth,
		Height: it.grid.TileHeight,
	}
	it.tileX++
	if it.tileX >= it.tilesX {
		it.tileX = 0
		it.tileY++
	}
	return w, true
}

// TileIndex returns a window's tile position local to chunk (cx, cy), the
// destination pixel for that tile's scores.
func (g Grid) TileIndex(w Window, cx, cy int) (tx, ty int) {
	cw, ch := g.CentreSize()
	tx = (w.Col+g.TileOverlapX)/cw - cx*g.TilesXPerChunk
	ty = (w.Row+g.TileOverlapY)/ch - cy*g.TilesYPerChunk
	return tx, ty
}

// ChunkTransform composes the source transform with the centre-step scale
// and the chunk's tile offset, georeferencing a chunk's partial raster.
func (g Grid) ChunkTransform(src geo.Affine, cx, cy int) geo.Affine {
	cw, ch := g.CentreSize()
	scaled := src.Mul(geo.Scale(float64(cw), float64(ch)))
	return scaled.Mul(geo.Translation(float64(cx*g.TilesXPerChunk), float64(cy*g.TilesYPerChunk)))
}

// OutputTransform georeferences the stitched full-size output raster.
func (g Grid) OutputTransform(src geo.Affine) geo.Affine {
	cw, ch := g.CentreSize()
	return src.Mul(geo.Scale(float64(cw), float64(ch)))
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
