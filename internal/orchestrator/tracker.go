package orchestrator

import (
	"context"
	"log"

	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
)

// handleChunkResult records a chunk's partial raster and runs the
// completion check. Results and failures both count: total terminal markers
// against the persisted chunk total decides completion, independent of
// arrival order.
func (o *Orchestrator) handleChunkResult(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.ChunkResultEvent
	if !decode(d, &ev) {
		return
	}
	chunkID := messaging.ChunkID(ev.RasterID, ev.Chunk[0], ev.Chunk[1])
	finish(d, o.recordResult(ctx, ev), "record result "+chunkID)
}

func (o *Orchestrator) recordResult(ctx context.Context, ev messaging.ChunkResultEvent) error {
	chunkID := messaging.ChunkID(ev.RasterID, ev.Chunk[0], ev.Chunk[1])
	c, err := o.store.RecordChunkResult(ctx, ev.RasterID, chunkID, ev.File)
	if err != nil {
		return err
	}
	return o.maybeAggregate(ctx, ev.RasterID, c)
}

func (o *Orchestrator) handleChunkFailure(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.ChunkFailureEvent
	if !decode(d, &ev) {
		return
	}
	chunkID := messaging.ChunkID(ev.RasterID, ev.Chunk[0], ev.Chunk[1])
	finish(d, o.recordFailure(ctx, ev), "record failure "+chunkID)
}

func (o *Orchestrator) recordFailure(ctx context.Context, ev messaging.ChunkFailureEvent) error {
	chunkID := messaging.ChunkID(ev.RasterID, ev.Chunk[0], ev.Chunk[1])
	log.Printf("chunk %s failed terminally: %s", chunkID, ev.Reason)
	c, err := o.store.RecordChunkFailure(ctx, ev.RasterID, chunkID, ev.Reason)
	if err != nil {
		return err
	}
	return o.maybeAggregate(ctx, ev.RasterID, c)
}

// maybeAggregate publishes result.new exactly once per raster: only the
// caller that won the result-row claim emits the event; everyone else
// observed the row already present and skips.
func (o *Orchestrator) maybeAggregate(ctx context.Context, rasterID string, c store.Completion) error {
	if !c.Claimed {
		return nil
	}
	if _, err := o.store.Transition(ctx, rasterID, store.StatusAggregating, store.StatusProcessing, store.StatusChunked); err != nil {
		return err
	}
	valid, err := o.store.GetValid(ctx, rasterID)
	if err != nil {
		return err
	}
	return o.nats.Publish(ctx, messaging.SubjectResultNew,
		messaging.MsgID(messaging.SubjectResultNew, rasterID),
		messaging.ResultEvent{RasterID: rasterID, Grid: valid.Grid})
}
