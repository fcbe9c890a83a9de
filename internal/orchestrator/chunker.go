package orchestrator

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
)

// CopyTiler is the default Tiler: a verbatim copy. The interactive map
// serving stack reads the copy directly; plugging in a real tiling rewrite
// is a deployment choice.
type CopyTiler struct{}

// Rewrite copies src to dst.
func (CopyTiler) Rewrite(ctx context.Context, srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// handleTile produces the map-ready copy of the source raster. Independent
// of chunking; the two race freely.
func (o *Orchestrator) handleTile(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.RasterEvent
	if !decode(d, &ev) {
		return
	}
	finish(d, o.tile(ctx, ev), "tile "+ev.ID)
}

func (o *Orchestrator) tile(ctx context.Context, ev messaging.RasterEvent) error {
	srcPath, err := o.cache.Download(ctx, ev.File)
	if err != nil {
		return err
	}

	tilesKey := path.Join(ev.ID, "src-tiles.rst")
	tilesPath := o.cache.Path(tilesKey)
	if err := o.tiler.Rewrite(ctx, srcPath, tilesPath); err != nil {
		return err
	}
	if err := o.cache.Upload(ctx, tilesKey, tilesPath); err != nil {
		return err
	}
	if err := o.store.MarkTiled(ctx, ev.ID, tilesKey); err != nil {
		return err
	}
	return o.nats.Publish(ctx, messaging.SubjectRasterTiled,
		messaging.MsgID(messaging.SubjectRasterTiled, ev.ID),
		messaging.CompleteEvent{RasterID: ev.ID, File: tilesKey})
}

// handleChunk computes the chunk plan, persists it and fans out one job per
// chunk. The plan comes from the metadata persisted at validation so the
// denominator never drifts from what the completion check reads.
func (o *Orchestrator) handleChunk(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.RasterEvent
	if !decode(d, &ev) {
		return
	}
	finish(d, o.chunk(ctx, ev), "chunk "+ev.ID)
}

func (o *Orchestrator) chunk(ctx context.Context, ev messaging.RasterEvent) error {
	valid, err := o.store.GetValid(ctx, ev.ID)
	if err != nil {
		return err
	}
	g := valid.Grid
	ncx, ncy := g.NumChunks()

	for cy := 0; cy < ncy; cy++ {
		for cx := 0; cx < ncx; cx++ {
			if err := o.store.InsertChunk(ctx, ev.ID, cx, cy, messaging.ChunkID(ev.ID, cx, cy)); err != nil {
				return err
			}
		}
	}
	if _, err := o.store.Transition(ctx, ev.ID, store.StatusChunked, store.StatusValid); err != nil {
		return err
	}

	for cy := 0; cy < ncy; cy++ {
		for cx := 0; cx < ncx; cx++ {
			job := messaging.ChunkJob{
				RasterID:    ev.ID,
				File:        ev.File,
				QuestionSet: ev.QuestionSet,
				EffectSet:   ev.EffectSet,
				Grid:        g,
				Chunk:       [2]int{cx, cy},
			}
			chunkID := messaging.ChunkID(ev.ID, cx, cy)
			err := o.nats.Publish(ctx, messaging.SubjectChunkNew,
				messaging.MsgID(messaging.SubjectChunkNew, chunkID), job)
			if err != nil {
				return err
			}
		}
	}

	_, err = o.store.Transition(ctx, ev.ID, store.StatusProcessing, store.StatusChunked)
	return err
}
