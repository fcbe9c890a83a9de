// Package worker consumes chunk jobs: it scores every tile of a chunk
// against the question tree and publishes the partial raster by reference.
// Workers are horizontally scaled peers; all coordination happens through
// the event stream and the blob store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/terminal-bench/rasterflow/internal/blobstore"
	"github.com/terminal-bench/rasterflow/internal/metrics"
	"github.com/terminal-bench/rasterflow/internal/oracle"
	"github.com/terminal-bench/rasterflow/internal/scorer"
	"github.com/terminal-bench/rasterflow/pkg/grid"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
	"github.com/terminal-bench/rasterflow/pkg/raster"
)

// FailureMaxAttempts is the terminal reason for poison jobs.
const FailureMaxAttempts = "max attempts exceeded"

// Worker processes chunk jobs.
type Worker struct {
	nats        *messaging.Client
	cache       *blobstore.Cache
	oracle      oracle.Oracle
	metrics     *metrics.Recorder
	maxAttempts int
	ackWait     time.Duration
}

// Config wires a worker's collaborators.
type Config struct {
	NATS        *messaging.Client
	Cache       *blobstore.Cache
	Oracle      oracle.Oracle
	Metrics     *metrics.Recorder
	MaxAttempts int
	AckWait     time.Duration
}

// New returns a worker.
func New(cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = time.Hour
	}
	return &Worker{
		nats:        cfg.NATS,
		cache:       cfg.Cache,
		oracle:      cfg.Oracle,
		metrics:     cfg.Metrics,
		maxAttempts: cfg.MaxAttempts,
		ackWait:     cfg.AckWait,
	}
}

// Run subscribes to chunk jobs and the cleanup feed, then blocks until ctx
// is cancelled. Jobs are shared across worker instances through a queue
// group; cleanup fans out to every instance because each owns its own local
// cache.
func (w *Worker) Run(ctx context.Context) error {
	err := w.nats.Consume(messaging.ConsumerConfig{
		Subject: messaging.SubjectChunkNew,
		Durable: "chunk-workers",
		Queue:   "chunk-workers",
		AckWait: w.ackWait,
	}, func(d *messaging.Delivery) {
		w.handleJob(ctx, d)
	})
	if err != nil {
		return err
	}

	err = w.nats.SubscribeCore(messaging.SubjectResultTiled, func(data []byte) {
		var ev messaging.CompleteEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if err := w.cache.Purge(ev.RasterID); err != nil {
			log.Printf("failed to purge cache for %s: %v", ev.RasterID, err)
		}
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

func (w *Worker) handleJob(ctx context.Context, d *messaging.Delivery) {
	var job messaging.ChunkJob
	if err := json.Unmarshal(d.Data, &job); err != nil {
		log.Printf("dropping undecodable chunk job: %v", err)
		d.Ack()
		return
	}

	chunkID := messaging.ChunkID(job.RasterID, job.Chunk[0], job.Chunk[1])

	result, failure, err := w.ProcessChunk(ctx, job, d.Attempt)
	if err != nil {
		// Transient: leave it for redelivery, the attempt cap turns a
		// poison job into a terminal failure eventually.
		log.Printf("chunk %s attempt %d failed: %v", chunkID, d.Attempt, err)
		d.Nak()
		return
	}

	if failure != nil {
		err = w.nats.Publish(ctx, messaging.SubjectChunkFailed,
			messaging.MsgID(messaging.SubjectChunkFailed, chunkID), failure)
	} else {
		err = w.nats.Publish(ctx, messaging.SubjectChunkResult,
			messaging.MsgID(messaging.SubjectChunkResult, chunkID), result)
	}
	if err != nil {
		log.Printf("failed to publish outcome for %s: %v", chunkID, err)
		d.Nak()
		return
	}
	d.Ack()
}

// ProcessChunk scores one chunk. It returns a result on success, a failure
// once the attempt cap is hit, and an error for transient problems that
// should be retried via redelivery.
func (w *Worker) ProcessChunk(ctx context.Context, job messaging.ChunkJob, attempt int) (*messaging.ChunkResultEvent, *messaging.ChunkFailureEvent, error) {
	cx, cy := job.Chunk[0], job.Chunk[1]
	chunkID := messaging.ChunkID(job.RasterID, cx, cy)

	if attempt >= w.maxAttempts {
		log.Printf("chunk %s exhausted its attempts", chunkID)
		return nil, &messaging.ChunkFailureEvent{
			RasterID: job.RasterID,
			Chunk:    job.Chunk,
			Reason:   FailureMaxAttempts,
		}, nil
	}

	if err := job.Grid.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid grid in job: %w", err)
	}

	started := time.Now()

	srcPath, err := w.cache.Download(ctx, job.File)
	if err != nil {
		return nil, nil, err
	}
	src, err := raster.Open(srcPath)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()

	profile := src.Profile()
	nodata := profile.NoDataValue()

	tilesX, tilesY := job.Grid.ChunkSize(cx, cy)
	dstProfile := raster.Profile{
		Width:     tilesX,
		Height:    tilesY,
		Bands:     len(job.EffectSet),
		DType:     raster.DTypeFloat32,
		Transform: job.Grid.ChunkTransform(profile.Transform, cx, cy),
		CRS:       profile.CRS,
	}

	// Attempt-addressed: a retry never collides with a previous attempt's
	// half-written artifact.
	dstKey := fmt.Sprintf("%s/dst-%d-%d-%d.rst", job.RasterID, cx, cy, attempt)
	dstPath := w.cache.Path(dstKey)
	dst, err := raster.Create(dstPath, dstProfile)
	if err != nil {
		return nil, nil, err
	}

	tiles, oracleCalls := 0, 0
	counting := &countingOracle{inner: w.oracle, metrics: w.metrics}

	windows := job.Grid.TileWindows(cx, cy)
	for win, ok := windows.Next(); ok; win, ok = windows.Next() {
		// A chunk can hold tens of thousands of tiles; stay responsive to
		// shutdown between them.
		if err := ctx.Err(); err != nil {
			dst.Close()
			return nil, nil, err
		}

		img, empty, err := readTile(src, win, nodata)
		if err != nil {
			dst.Close()
			return nil, nil, err
		}
		if empty {
			continue
		}
		tiles++

		scores := scorer.Score(ctx, img, counting, job.QuestionSet, job.EffectSet)

		tx, ty := job.Grid.TileIndex(win, cx, cy)
		for band, name := range job.EffectSet {
			s := scores[name]
			if s.Score == 0 {
				// Zero means not asserted; the pixel stays at the band
				// default.
				continue
			}
			err := dst.Write(band, grid.Window{Col: tx, Row: ty, Width: 1, Height: 1}, []float64{s.Score})
			if err != nil {
				dst.Close()
				return nil, nil, err
			}
		}
	}
	oracleCalls = counting.calls

	if err := dst.Close(); err != nil {
		return nil, nil, err
	}
	if err := w.cache.Upload(ctx, dstKey, dstPath); err != nil {
		return nil, nil, err
	}

	w.metrics.ChunkProcessed(job.RasterID, cx, cy, time.Since(started), tiles, oracleCalls)
	log.Printf("chunk %s scored %d tiles with %d oracle calls", chunkID, tiles, oracleCalls)

	return &messaging.ChunkResultEvent{
		RasterID: job.RasterID,
		Chunk:    job.Chunk,
		File:     dstKey,
	}, nil, nil
}

// readTile extracts the first three channels of a tile window, boundless
// with the source nodata fill. empty is true when every sample is nodata.
func readTile(src *raster.Dataset, win grid.Window, nodata float64) (oracle.ImageRegion, bool, error) {
	bands := src.Profile().Bands
	if bands > 3 {
		bands = 3
	}
	img := oracle.ImageRegion{Width: win.Width, Height: win.Height, Bands: make([][]float64, bands)}
	empty := true
	for b := 0; b < bands; b++ {
		data, err := src.Read(b, win, nodata)
		if err != nil {
			return oracle.ImageRegion{}, false, err
		}
		if empty {
			for _, v := range data {
				if v != nodata {
					empty = false
					break
				}
			}
		}
		img.Bands[b] = data
	}
	return img, empty, nil
}

// countingOracle counts calls and feeds per-call latency into metrics.
type countingOracle struct {
	inner   oracle.Oracle
	metrics *metrics.Recorder
	calls   int
}

func (c *countingOracle) Answer(ctx context.Context, img oracle.ImageRegion, prompt string, choices []string) (string, error) {
	c.calls++
	started := time.Now()
	answer, err := c.inner.Answer(ctx, img, prompt, choices)
	c.metrics.OracleCall(time.Since(started), err == nil)
	return answer, err
}
