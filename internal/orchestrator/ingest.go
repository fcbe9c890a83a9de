package orchestrator

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"

	"github.com/terminal-bench/rasterflow/internal/store"
	"github.com/terminal-bench/rasterflow/pkg/geo"
	"github.com/terminal-bench/rasterflow/pkg/grid"
	"github.com/terminal-bench/rasterflow/pkg/messaging"
	"github.com/terminal-bench/rasterflow/pkg/questions"
	"github.com/terminal-bench/rasterflow/pkg/raster"
)

// Ingestion-fatal reason codes.
const (
	ReasonInvalidRaster = "INVALID_RASTER"
	ReasonNoTransform   = "NO_TRANSFORM"
	ReasonNotRGBA       = "NOT_RGBA"
	ReasonInvalidBounds = "INVALID_BOUNDS"
	ReasonNoEffects     = "NO_EFFECTS"
)

func (o *Orchestrator) handleRasterNew(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.RasterEvent
	if !decode(d, &ev) {
		return
	}
	finish(d, o.ingest(ctx, ev), "ingest "+ev.ID)
}

// ingest validates a freshly uploaded raster and either publishes
// raster.valid with the questionset snapshot or raster.invalid with a
// reason code. Safe to repeat: metadata inserts are conflict-is-noop and
// publishes are deduplicated by message id.
func (o *Orchestrator) ingest(ctx context.Context, ev messaging.RasterEvent) error {
	if _, err := o.store.Transition(ctx, ev.ID, store.StatusQueued, store.StatusNew); err != nil {
		return err
	}

	srcPath, err := o.cache.Download(ctx, ev.File)
	if err != nil {
		return err
	}

	src, err := raster.Open(srcPath)
	if err != nil {
		log.Printf("raster %s does not open: %v", ev.ID, err)
		return o.reject(ctx, ev.ID, ReasonInvalidRaster)
	}
	defer src.Close()

	profile := src.Profile()
	if profile.Transform.IsZero() {
		return o.reject(ctx, ev.ID, ReasonNoTransform)
	}
	if profile.Bands != 3 && profile.Bands != 4 {
		return o.reject(ctx, ev.ID, ReasonNotRGBA)
	}

	var boundsWKT string
	var area float64
	if profile.CRS != "" {
		bounds := geo.TransformBounds(profile.Transform, profile.Width, profile.Height)
		if !bounds.Valid() {
			return o.reject(ctx, ev.ID, ReasonInvalidBounds)
		}
		boundsWKT = bounds.WKT()
		area = bounds.Area()
	}

	hash, size, err := fileDigest(srcPath)
	if err != nil {
		return err
	}

	tree := ev.QuestionSet
	if len(tree) == 0 && ev.QuestionSetID != "" {
		tree, err = o.store.GetQuestionSet(ctx, ev.QuestionSetID)
		if err != nil {
			return err
		}
	}
	effectSet := questions.EffectNames(tree)
	if len(effectSet) == 0 {
		// An effect-less questionset can never yield a score band; every
		// chunk would fail on a zero-band output profile.
		return o.reject(ctx, ev.ID, ReasonNoEffects)
	}

	g := grid.New(profile.Width, profile.Height)
	ncx, ncy := g.NumChunks()

	err = o.store.MarkValid(ctx, store.ValidRaster{
		RasterID:  ev.ID,
		Hash:      hash,
		Size:      size,
		Width:     profile.Width,
		Height:    profile.Height,
		Bands:     profile.Bands,
		CRS:       profile.CRS,
		Transform: profile.Transform,
		Bounds:    boundsWKT,
		Area:      area,
		Grid:      g,
		EffectSet: effectSet,
		NumChunks: ncx * ncy,
	})
	if err != nil {
		return err
	}
	if _, err := o.store.Transition(ctx, ev.ID, store.StatusValid, store.StatusQueued, store.StatusNew); err != nil {
		return err
	}

	out := messaging.RasterEvent{
		ID:            ev.ID,
		Name:          ev.Name,
		File:          ev.File,
		QuestionSetID: ev.QuestionSetID,
		QuestionSet:   tree,
		EffectSet:     effectSet,
		CRS:           profile.CRS,
	}
	return o.nats.Publish(ctx, messaging.SubjectRasterValid,
		messaging.MsgID(messaging.SubjectRasterValid, ev.ID), out)
}

func (o *Orchestrator) reject(ctx context.Context, rasterID, reason string) error {
	return o.nats.Publish(ctx, messaging.SubjectRasterInvalid,
		messaging.MsgID(messaging.SubjectRasterInvalid, rasterID),
		messaging.InvalidEvent{ID: rasterID, Reason: reason})
}

func (o *Orchestrator) handleInvalid(ctx context.Context, d *messaging.Delivery) {
	var ev messaging.InvalidEvent
	if !decode(d, &ev) {
		return
	}
	err := o.store.MarkInvalid(ctx, ev.ID, ev.Reason)
	if err == nil {
		_, err = o.store.Transition(ctx, ev.ID, store.StatusInvalid,
			store.StatusNew, store.StatusQueued)
	}
	finish(d, err, "record invalid "+ev.ID)
}

func fileDigest(path string) (uint32, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := crc32.NewIEEE()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum32(), size, nil
}
