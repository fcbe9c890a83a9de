package orchestrator

import (
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/grid"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
	"github.com/terminal-bench/rasterflow/pkg/raster"
)

// handleAggregate stitches the chunk partials into the scored output. Only
// the caller that claimed the result row publishes result.new, so this runs
// once per raster; a redelivery simply re-stitches from the same durable
// inputs.
func (o *Orchestrator) handleAggregate(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.ResultEvent
	if !decode(d, &ev) {
		return
	}
	finish(d, o.aggregate(ctx, ev), "aggregate "+ev.RasterID)
}

func (o *Orchestrator) aggregate(ctx context.Context, ev messaging.ResultEvent) error {
	start := time.Now()

	valid, err := o.store.GetValid(ctx, ev.RasterID)
	if err != nil {
		return err
	}
	results, err := o.store.ChunkResults(ctx, ev.RasterID)
	if err != nil {
		return err
	}

	g := valid.Grid
	nx, ny := g.NumTiles()
	outKey := path.Join(ev.RasterID, "dst.rst")
	outPath := o.cache.Path(outKey)
	dst, err := raster.Create(outPath, raster.Profile{
		Width:     nx,
		Height:    ny,
		Bands:     len(valid.EffectSet),
		DType:     raster.DTypeFloat32,
		Transform: g.OutputTransform(valid.Transform),
		CRS:       valid.CRS,
	})
	if err != nil {
		return err
	}

	// Pull every partial in parallel, then stitch sequentially. Downloads
	// are idempotent so a partial that is already cached costs nothing.
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	paths := make([]string, len(results))
	for i, r := range results {
		i, r := i, r
		eg.Go(func() error {
			p, err := o.cache.Download(gctx, r.File)
			paths[i] = p
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		dst.Close()
		return err
	}

	for i, r := range results {
		if err := o.stitch(dst, paths[i], r, g, len(valid.EffectSet)); err != nil {
			dst.Close()
			return err
		}
	}
	if err := dst.Close(); err != nil {
		return err
	}

	if err := o.cache.Upload(ctx, outKey, outPath); err != nil {
		return err
	}
	if err := o.store.SetResultFile(ctx, ev.RasterID, outKey); err != nil {
		return err
	}

	// Map-ready copy of the output, same treatment as the source raster.
	tilesKey := path.Join(ev.RasterID, "dst-tiles.rst")
	tilesPath := o.cache.Path(tilesKey)
	if err := o.tiler.Rewrite(ctx, outPath, tilesPath); err != nil {
		return err
	}
	if err := o.cache.Upload(ctx, tilesKey, tilesPath); err != nil {
		return err
	}
	if err := o.store.MarkResultTiled(ctx, ev.RasterID, tilesKey); err != nil {
		return err
	}

	if _, err := o.store.Transition(ctx, ev.RasterID, store.StatusDone, store.StatusAggregating); err != nil {
		return err
	}
	o.metrics.Aggregated(ev.RasterID, time.Since(start), len(results))
	log.Printf("raster %s aggregated: %d chunks stitched into %dx%d", ev.RasterID, len(results), nx, ny)

	return o.nats.Publish(ctx, messaging.SubjectResultTiled,
		messaging.MsgID(messaging.SubjectResultTiled, ev.RasterID),
		messaging.CompleteEvent{RasterID: ev.RasterID, File: tilesKey})
}

// stitch copies one chunk's partial verbatim into the output at the chunk's
// tile offset. Bands follow the effect-set order on both sides.
func (o *Orchestrator) stitch(dst *raster.Writer, srcPath string, r store.ChunkResultRow, g grid.Grid, bands int) error {
	src, err := raster.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	p := src.Profile()
	tw, th := g.ChunkSize(r.X, r.Y)
	if p.Width != tw || p.Height != th || p.Bands != bands {
		return fmt.Errorf("chunk %d,%d partial is %dx%dx%d, want %dx%dx%d",
			r.X, r.Y, p.Width, p.Height, p.Bands, tw, th, bands)
	}
	win := grid.Window{
		Col:    r.X * g.TilesXPerChunk,
		Row:    r.Y * g.TilesYPerChunk,
		Width:  p.Width,
		Height: p.Height,
	}
	for b := 0; b < bands; b++ {
		data, err := src.ReadBand(b)
		if err != nil {
			return err
		}
		if err := dst.Write(b, win, data); err != nil {
			return err
		}
	}
	return nil
}

// handleCleanup drops the local working area once the final artifacts are
// durable. Best effort; a failed purge only costs disk.
func (o *Orchestrator) handleCleanup(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.CompleteEvent
	if !decode(d, &ev) {
		return
	}
	if err := o.cache.Purge(ev.RasterID); err != nil {
		log.Printf("cleanup of %s failed: %v", ev.RasterID, err)
	}
	d.Ack()
}
