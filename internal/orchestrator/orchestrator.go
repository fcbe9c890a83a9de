// Package orchestrator drives a raster through the pipeline: ingest and
// validate, plan and dispatch chunks, track completion, aggregate partials
// into the scored output. It never talks to workers directly; everything
// flows through the event stream and the shared stores.
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/terminal-bench/rasterflow/internal/blobstore"
	"github.com/terminal-bench/rasterflow/internal/metrics"
	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
	"github.com/terminal-bench/rasterflow/pkg/questions"
)

// Store is the relational surface the orchestrator needs; *store.Store
// implements it, tests substitute a fake.
type Store interface {
	GetQuestionSet(ctx context.Context, id string) ([]questions.Question, error)
	Transition(ctx context.Context, rasterID, next string, expected ...string) (bool, error)
	MarkValid(ctx context.Context, v store.ValidRaster) error
	GetValid(ctx context.Context, rasterID string) (*store.ValidRaster, error)
	MarkInvalid(ctx context.Context, rasterID, reason string) error
	MarkTiled(ctx context.Context, rasterID, file string) error
	InsertChunk(ctx context.Context, rasterID string, x, y int, chunkID string) error
	RecordChunkResult(ctx context.Context, rasterID, chunkID, file string) (store.Completion, error)
	RecordChunkFailure(ctx context.Context, rasterID, chunkID, reason string) (store.Completion, error)
	ChunkResults(ctx context.Context, rasterID string) ([]store.ChunkResultRow, error)
	SetResultFile(ctx context.Context, rasterID, file string) error
	MarkResultTiled(ctx context.Context, rasterID, file string) error
}

// Tiler rewrites a raster into its map-ready tiled form. The rewriting
// mechanics live behind this interface; the default implementation is a
// verbatim copy.
type Tiler interface {
	Rewrite(ctx context.Context, srcPath, dstPath string) error
}

// Bus is the event-stream surface the orchestrator needs; *messaging.Client
// implements it, tests substitute a recorder.
type Bus interface {
	Publish(ctx context.Context, subject, msgID string, data interface{}) error
	Consume(cfg messaging.ConsumerConfig, handler func(d *messaging.Delivery)) error
}

// Orchestrator owns the pipeline's control plane.
type Orchestrator struct {
	nats    Bus
	store   Store
	cache   *blobstore.Cache
	tiler   Tiler
	metrics *metrics.Recorder
}

// Config wires an orchestrator's collaborators.
type Config struct {
	NATS    Bus
	Store   Store
	Cache   *blobstore.Cache
	Tiler   Tiler
	Metrics *metrics.Recorder
}

// New returns an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Tiler == nil {
		cfg.Tiler = CopyTiler{}
	}
	return &Orchestrator{
		nats:    cfg.NATS,
		store:   cfg.Store,
		cache:   cfg.Cache,
		tiler:   cfg.Tiler,
		metrics: cfg.Metrics,
	}
}

// Run registers every consumer and blocks until ctx is cancelled. The tile
// and chunk consumers both feed off raster.valid with no ordering between
// them; completion tracking reacts to whichever chunk outcomes arrive first.
func (o *Orchestrator) Run(ctx context.Context) error {
	consumers := []struct {
		subject string
		durable string
		ackWait time.Duration
		handler func(ctx context.Context, d *messaging.Delivery)
	}{
		{messaging.SubjectRasterNew, "ingest", 10 * time.Minute, o.handleRasterNew},
		{messaging.SubjectRasterValid, "tiler", 10 * time.Minute, o.handleTile},
		{messaging.SubjectRasterValid, "chunker", 10 * time.Minute, o.handleChunk},
		{messaging.SubjectRasterInvalid, "invalid-recorder", time.Minute, o.handleInvalid},
		{messaging.SubjectChunkResult, "result-recorder", time.Minute, o.handleChunkResult},
		{messaging.SubjectChunkFailed, "failure-recorder", time.Minute, o.handleChunkFailure},
		{messaging.SubjectResultNew, "aggregator", 30 * time.Minute, o.handleAggregate},
		{messaging.SubjectResultTiled, "cleanup", time.Minute, o.handleCleanup},
	}
	for _, c := range consumers {
		c := c
		err := o.nats.Consume(messaging.ConsumerConfig{
			Subject: c.subject,
			Durable: c.durable,
			Queue:   c.durable,
			AckWait: c.ackWait,
		}, func(d *messaging.Delivery) {
			c.handler(ctx, d)
		})
		if err != nil {
			return err
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// ack/nak helper: a handler error means redelivery.
func finish(d *messaging.Delivery, err error, what string) {
	if err != nil {
		log.Printf("%s failed: %v", what, err)
		d.Nak()
		return
	}
	d.Ack()
}

func decode(d *messaging.Delivery, v interface{}) bool {
	if err := json.Unmarshal(d.Data, v); err != nil {
		log.Printf("dropping undecodable event: %v", err)
		d.Ack()
		return false
	}
	return true
}
